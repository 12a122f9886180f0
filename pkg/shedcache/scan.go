package shedcache

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// audioExtensions are the file types batch operations pick up. WAV decodes
// natively; the rest need a decode backend.
var audioExtensions = map[string]struct{}{
	".wav":  {},
	".wave": {},
	".mp3":  {},
	".flac": {},
	".ogg":  {},
	".opus": {},
	".m4a":  {},
	".aac":  {},
	".aiff": {},
}

// IsAudioFile reports whether path has a supported audio extension.
func IsAudioFile(path string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ScanFolder walks dir and returns the paths of all supported audio files,
// in walk order. It is the identity provider for batch generation and
// sweeps; callers tolerate the returned set changing between calls.
func ScanFolder(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsAudioFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
