package shedcache

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/woodshedhq/shedcache/pkg/shedcache/audio"
	"github.com/woodshedhq/shedcache/pkg/shedcache/feature"
	"github.com/woodshedhq/shedcache/pkg/shedcache/match"
	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
	"github.com/woodshedhq/shedcache/pkg/shedcache/scheduler"
)

// Config holds engine settings. Matching thresholds and band layout are
// deliberately configuration, not constants; they are approximate and tuned
// per library.
type Config struct {
	CacheRoot   string `toml:"cache_root"`
	Workers     int    `toml:"workers"`
	PeakColumns int    `toml:"peak_columns"`

	FrameMs   int     `toml:"frame_ms"`
	BandCount int     `toml:"band_count"`
	BandMinHz float64 `toml:"band_min_hz"`
	BandMaxHz float64 `toml:"band_max_hz"`

	Algorithm    model.Algorithm `toml:"algorithm"`
	AlignmentHop int             `toml:"alignment_hop"`

	// Confidence banding is caller policy layered over raw scores.
	HighConfidence float64 `toml:"high_confidence"`
	LowConfidence  float64 `toml:"low_confidence"`

	Logger  Logger              `toml:"-"`
	Backend audio.DecodeBackend `toml:"-"`

	loadErr error
}

func defaultConfig() *Config {
	return &Config{
		CacheRoot:      ".shedcache",
		Workers:        scheduler.DefaultWorkers(),
		PeakColumns:    feature.DefaultPeakColumns,
		FrameMs:        feature.DefaultFrameMs,
		BandCount:      feature.DefaultBandCount,
		BandMinHz:      feature.DefaultBandMinHz,
		BandMaxHz:      feature.DefaultBandMaxHz,
		Algorithm:      model.AlgorithmCosine,
		AlignmentHop:   match.DefaultAlignmentHop,
		HighConfidence: 0.7,
		LowConfidence:  0.3,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// BandFor maps a raw match score to the configured confidence band.
func (c *Config) BandFor(score float64) model.ConfidenceBand {
	switch {
	case score >= c.HighConfidence:
		return model.ConfidenceHigh
	case score >= c.LowConfidence:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func (c *Config) fingerprintConfig() feature.FingerprintConfig {
	return feature.FingerprintConfig{
		FrameMs:   c.FrameMs,
		BandCount: c.BandCount,
		BandMinHz: c.BandMinHz,
		BandMaxHz: c.BandMaxHz,
	}
}

func (c *Config) matcherConfig() match.Config {
	return match.Config{
		Algorithm:    c.Algorithm,
		AlignmentHop: c.AlignmentHop,
	}
}

// Option mutates the engine config before construction.
type Option func(*Config)

func WithCacheRoot(root string) Option {
	return func(c *Config) { c.CacheRoot = root }
}

func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

func WithPeakColumns(n int) Option {
	return func(c *Config) { c.PeakColumns = n }
}

func WithLogger(log Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func WithDecodeBackend(backend audio.DecodeBackend) Option {
	return func(c *Config) { c.Backend = backend }
}

func WithAlgorithm(alg model.Algorithm) Option {
	return func(c *Config) { c.Algorithm = alg }
}

func WithFingerprintLayout(frameMs, bandCount int, minHz, maxHz float64) Option {
	return func(c *Config) {
		c.FrameMs = frameMs
		c.BandCount = bandCount
		c.BandMinHz = minHz
		c.BandMaxHz = maxHz
	}
}

func WithConfidenceBands(high, low float64) Option {
	return func(c *Config) {
		c.HighConfidence = high
		c.LowConfidence = low
	}
}

// WithConfigFile layers a TOML file over whatever the config holds so far.
// File values win over earlier options; a missing file is a construction
// error surfaced by New.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			c.loadErr = fmt.Errorf("reading config %s: %w", path, err)
			return
		}
		if err := toml.Unmarshal(data, c); err != nil {
			c.loadErr = fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
}
