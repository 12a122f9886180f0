package shedcache

import (
	"context"

	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
)

// Engine is the cache facade exposed to the application: the UI, batch
// tools and tests all go through this surface.
type Engine interface {
	// EnsureReady returns a Ready ticket immediately when the cache holds
	// every requested product for the file's current identity; otherwise
	// it schedules generation and returns a ticket to await or poll.
	// Only programmer errors (empty path) are returned synchronously.
	EnsureReady(ctx context.Context, path string, products model.Products) (*Ticket, error)

	// GetCached is the non-blocking, cache-only read.
	GetCached(path string) *model.CacheEntry

	// Invalidate forces the next EnsureReady for path to regenerate even
	// if the cache looks valid.
	Invalidate(path string) error

	// FindBestMatches ranks candidate recordings against the query using
	// stored fingerprints only. Candidates without a usable fingerprint
	// are silently excluded.
	FindBestMatches(ctx context.Context, queryPath string, candidatePaths []string) ([]model.MatchResult, error)

	// Sweep removes cache records for files no longer in knownPaths.
	Sweep(knownPaths []string) (int, error)

	// Events delivers progress and completion messages. The channel is
	// closed by Close; consumers drain it on their own schedule.
	Events() <-chan Event

	Close() error
}

// Store is the persistence contract the engine is constructed with.
// *store.FileStore is the default implementation.
type Store interface {
	Get(id model.AudioIdentity) *model.CacheEntry
	Put(id model.AudioIdentity, peaks *model.WaveformPeaks, fp *model.SpectralFingerprint) error
	Delete(id model.AudioIdentity) error
	Sweep(known map[string]struct{}) (int, error)
}

// Logger is what the engine needs from a logging implementation; the
// default is pkg/logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
