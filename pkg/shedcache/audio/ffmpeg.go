package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// FFmpegBackend decodes compressed formats by converting them to a 16-bit
// PCM temp WAV with ffmpeg and reading that natively. Channel layout and
// sample rate are preserved.
type FFmpegBackend struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
	Timeout     time.Duration
}

// NewFFmpegBackend returns a backend using binaries from PATH and the
// system temp directory.
func NewFFmpegBackend() *FFmpegBackend {
	return &FFmpegBackend{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		TempDir:     os.TempDir(),
		Timeout:     2 * time.Minute,
	}
}

// DecodeCompressed implements DecodeBackend.
func (b *FFmpegBackend) DecodeCompressed(ctx context.Context, path string) (*SampleBuffer, error) {
	if _, ok := ctx.Deadline(); !ok && b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	tmp, err := os.CreateTemp(b.TempDir, "shedcache-*.wav")
	if err != nil {
		return nil, decodeErr(Unreadable, path, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(
		ctx,
		b.FFmpegPath,
		"-y",
		"-v", "quiet",
		"-i", path,
		"-c:a", "pcm_s16le",
		tmpPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, decodeErr(Unreadable, path, ctx.Err())
		}
		return nil, decodeErr(UnsupportedFormat, path, fmt.Errorf("ffmpeg: %v (%s)", err, out))
	}

	return DecodeWAV(tmpPath)
}

// Metadata is the subset of ffprobe output the CLI listing cares about.
type Metadata struct {
	Filename    string
	Title       string
	Artist      string
	DurationSec float64
	SampleRate  int
	Channels    int
	Format      string
}

type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Format   string            `json:"format_name"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType  string `json:"codec_type"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Probe reads container metadata with ffprobe.
func (b *FFmpegBackend) Probe(ctx context.Context, path string) (*Metadata, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(
		ctx,
		b.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, err
	}

	var stream *ffprobeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "audio" {
			stream = &probe.Streams[i]
			break
		}
	}
	if stream == nil {
		return nil, errors.New("no audio stream found")
	}

	duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
	sampleRate, _ := strconv.Atoi(stream.SampleRate)

	meta := &Metadata{
		Filename:    filepath.Base(path),
		DurationSec: duration,
		SampleRate:  sampleRate,
		Channels:    stream.Channels,
		Format:      probe.Format.Format,
	}
	if probe.Format.Tags != nil {
		meta.Title = probe.Format.Tags["title"]
		meta.Artist = probe.Format.Tags["artist"]
	}
	return meta, nil
}
