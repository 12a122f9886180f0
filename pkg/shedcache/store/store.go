package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
	"github.com/woodshedhq/shedcache/pkg/utils"
)

// SchemaVersion tags every record on disk. Records carrying a different
// version are treated as absent rather than misparsed.
const SchemaVersion = 1

// StoreError wraps disk-level failures (full disk, permissions).
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Logger is the subset of the engine logger the store needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

// record is the on-disk shape of one cache entry.
type record struct {
	SchemaVersion int              `json:"schema_version"`
	Entry         model.CacheEntry `json:"entry"`
}

// FileStore keeps one atomically-replaced JSON record per identity under a
// cache root directory. It exclusively owns the on-disk representation;
// entries returned from Get are independent snapshots.
type FileStore struct {
	root string
	log  Logger
}

// NewFileStore creates the cache root if needed.
func NewFileStore(root string, log Logger) (*FileStore, error) {
	if log == nil {
		log = nopLogger{}
	}
	if err := utils.MakeDir(root); err != nil {
		return nil, &StoreError{Op: "init", Path: root, Err: err}
	}
	return &FileStore{root: root, log: log}, nil
}

// Root returns the cache root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) recordPath(id model.AudioIdentity) string {
	return filepath.Join(s.root, id.Key()+".json")
}

// Get returns the entry stored for exactly this identity, or nil. A missing
// file, an undecodable record, a schema mismatch, and a stored identity that
// differs in path, size or mtime all count as misses; a corrupt record is
// logged and reported as a miss so the caller regenerates.
func (s *FileStore) Get(id model.AudioIdentity) *model.CacheEntry {
	path := s.recordPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warnf("cache record %s is corrupt, treating as miss: %v", filepath.Base(path), err)
		return nil
	}
	if rec.SchemaVersion != SchemaVersion {
		s.log.Debugf("cache record %s has schema %d, want %d; treating as miss",
			filepath.Base(path), rec.SchemaVersion, SchemaVersion)
		return nil
	}
	if !rec.Entry.Identity.Equal(id) {
		// Stale entry for a previous identity of this path, or a key
		// collision. Implicit invalidation by mismatch.
		return nil
	}

	entry := rec.Entry
	return &entry
}

// Put persists the supplied products for id. Products already stored for
// the same identity and not supplied here are preserved, so peaks and
// fingerprint can arrive from independent computations. The write is
// atomic and retried once on a transient failure.
func (s *FileStore) Put(id model.AudioIdentity, peaks *model.WaveformPeaks, fp *model.SpectralFingerprint) error {
	entry := model.CacheEntry{
		Identity:    id,
		Peaks:       peaks,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	}
	if prev := s.Get(id); prev != nil {
		if entry.Peaks == nil {
			entry.Peaks = prev.Peaks
		}
		if entry.Fingerprint == nil {
			entry.Fingerprint = prev.Fingerprint
		}
	}

	data, err := json.Marshal(record{SchemaVersion: SchemaVersion, Entry: entry})
	if err != nil {
		return &StoreError{Op: "encode", Path: id.Path, Err: err}
	}

	path := s.recordPath(id)
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		s.log.Warnf("cache write for %s failed, retrying once: %v", id.Base(), err)
		if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
			return &StoreError{Op: "write", Path: path, Err: err}
		}
	}
	return nil
}

// Delete removes the record for id's path, if any.
func (s *FileStore) Delete(id model.AudioIdentity) error {
	err := os.Remove(s.recordPath(id))
	if err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "delete", Path: id.Path, Err: err}
	}
	return nil
}

// Sweep deletes records whose stored path no longer appears in known, plus
// any record that cannot be read and any abandoned temp file. It returns
// the number of records removed.
func (s *FileStore) Sweep(known map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, &StoreError{Op: "sweep", Path: s.root, Err: err}
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		full := filepath.Join(s.root, name)

		if strings.Contains(name, ".tmp-") {
			if os.Remove(full) == nil {
				s.log.Debugf("sweep removed abandoned temp file %s", name)
			}
			continue
		}
		if filepath.Ext(name) != ".json" {
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil || rec.SchemaVersion != SchemaVersion {
			if os.Remove(full) == nil {
				removed++
				s.log.Warnf("sweep removed unreadable cache record %s", name)
			}
			continue
		}
		if _, ok := known[rec.Entry.Identity.Path]; !ok {
			if os.Remove(full) == nil {
				removed++
				s.log.Debugf("sweep removed record for missing file %s", rec.Entry.Identity.Path)
			}
		}
	}
	return removed, nil
}
