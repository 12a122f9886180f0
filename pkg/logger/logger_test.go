package logger

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := New(Config{Level: level, Colorize: false, ShowTime: false, Output: buf})
	return l, buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(WARN)

	l.Debugf("debug message")
	l.Infof("info message")
	l.Warnf("warn message")
	l.Errorf("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("below-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("at-or-above-level messages missing: %q", out)
	}
}

func TestLevelTags(t *testing.T) {
	l, buf := newTestLogger(DEBUG)

	l.Debugf("a")
	l.Infof("b")
	l.Warnf("c")
	l.Errorf("d")

	for _, tag := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		if !strings.Contains(buf.String(), tag) {
			t.Errorf("output missing %s tag: %q", tag, buf.String())
		}
	}
}

func TestSetLevel(t *testing.T) {
	l, buf := newTestLogger(ERROR)
	l.Infof("hidden")
	l.SetLevel(INFO)
	l.Infof("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("message logged below the configured level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("message missing after SetLevel")
	}
}

func TestFormatting(t *testing.T) {
	l, buf := newTestLogger(INFO)
	l.Infof("processed %d files in %s", 3, "takes/")
	if !strings.Contains(buf.String(), "processed 3 files in takes/") {
		t.Errorf("formatted output wrong: %q", buf.String())
	}
}
