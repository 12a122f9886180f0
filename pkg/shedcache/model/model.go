package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Products selects which derived representations a caller wants generated.
type Products uint8

const (
	ProductPeaks Products = 1 << iota
	ProductFingerprint

	ProductAll = ProductPeaks | ProductFingerprint
)

// Has reports whether p includes every product in q.
func (p Products) Has(q Products) bool {
	return p&q == q
}

func (p Products) String() string {
	switch {
	case p.Has(ProductAll):
		return "peaks+fingerprint"
	case p.Has(ProductPeaks):
		return "peaks"
	case p.Has(ProductFingerprint):
		return "fingerprint"
	default:
		return "none"
	}
}

// AudioIdentity is the cache key for one version of an audio file.
// Two files are the same iff path, size and mtime all match.
type AudioIdentity struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// IdentityOf stats path and builds a fresh identity. It must be called on
// every access rather than cached, so renamed or rewritten files never
// resolve to a stale entry.
func IdentityOf(path string) (AudioIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return AudioIdentity{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return AudioIdentity{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

// Equal compares all three identity fields. ModTime uses time.Equal so a
// JSON round trip does not break the comparison.
func (id AudioIdentity) Equal(other AudioIdentity) bool {
	return id.Path == other.Path &&
		id.SizeBytes == other.SizeBytes &&
		id.ModTime.Equal(other.ModTime)
}

// Key returns a stable digest of the path, used as the cache record name.
// Size and mtime are deliberately excluded: a changed file reuses the same
// record slot and simply overwrites the stale entry.
func (id AudioIdentity) Key() string {
	sum := sha1.Sum([]byte(id.Path))
	return hex.EncodeToString(sum[:])
}

// Base returns the file name without directories, for progress display.
func (id AudioIdentity) Base() string {
	return filepath.Base(id.Path)
}

// Less defines a total order over identities (path, then size, then mtime)
// used for deterministic tie-breaking in match ranking.
func (id AudioIdentity) Less(other AudioIdentity) bool {
	if id.Path != other.Path {
		return id.Path < other.Path
	}
	if id.SizeBytes != other.SizeBytes {
		return id.SizeBytes < other.SizeBytes
	}
	return id.ModTime.Before(other.ModTime)
}

// PeakColumn holds the amplitude extremes of one render column.
type PeakColumn struct {
	Min int16 `json:"min"`
	Max int16 `json:"max"`
}

// WaveformPeaks is the downsampled min/max envelope used for waveform
// rendering. Columns has a fixed render resolution; zoomed views are
// resampled from it by the consumer.
//
// An absent (nil) WaveformPeaks on a cache entry means "not computed",
// never "empty audio": Columns is non-empty whenever DurationMs > 0.
type WaveformPeaks struct {
	SampleCount uint32       `json:"sample_count"`
	DurationMs  uint32       `json:"duration_ms"`
	Columns     []PeakColumn `json:"columns"`

	// ChannelColumns is populated only in per-channel mode, one sequence
	// per source channel. Columns then holds the mono reduction.
	ChannelColumns [][]PeakColumn `json:"channel_columns,omitempty"`
}

// SpectralFingerprint is a chronological sequence of per-frame frequency
// band energies. Every frame vector has the same length (the configured
// band count) and contains only finite, non-negative values.
type SpectralFingerprint struct {
	FrameCount      uint32      `json:"frame_count"`
	FrameIntervalMs uint32      `json:"frame_interval_ms"`
	Bands           [][]float64 `json:"bands"`
}

// CacheEntry is the stored product pair for one identity. Instances handed
// to callers are independent snapshots; the store replaces entries rather
// than mutating them in place.
type CacheEntry struct {
	Identity    AudioIdentity        `json:"identity"`
	Peaks       *WaveformPeaks       `json:"peaks,omitempty"`
	Fingerprint *SpectralFingerprint `json:"fingerprint,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// HasProducts reports whether the entry already holds every requested product.
func (e *CacheEntry) HasProducts(p Products) bool {
	if e == nil {
		return false
	}
	if p.Has(ProductPeaks) && e.Peaks == nil {
		return false
	}
	if p.Has(ProductFingerprint) && e.Fingerprint == nil {
		return false
	}
	return true
}

// Algorithm names the similarity variant that produced a match score.
type Algorithm string

const (
	AlgorithmCosine      Algorithm = "cosine"
	AlgorithmCorrelation Algorithm = "correlation"
)

// MatchResult is one ranked candidate from a fingerprint comparison.
// Results are transient; labeling decisions are persisted elsewhere.
type MatchResult struct {
	Candidate AudioIdentity `json:"candidate"`
	Score     float64       `json:"score"`
	Algorithm Algorithm     `json:"algorithm"`
}

// ConfidenceBand is the caller-level interpretation of a match score.
type ConfidenceBand string

const (
	ConfidenceHigh   ConfidenceBand = "high"
	ConfidenceMedium ConfidenceBand = "medium"
	ConfidenceLow    ConfidenceBand = "low"
)
