package shedcache

import (
	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
	"github.com/woodshedhq/shedcache/pkg/shedcache/scheduler"
)

// Re-exports so embedding applications only import the facade package.

type (
	AudioIdentity       = model.AudioIdentity
	WaveformPeaks       = model.WaveformPeaks
	PeakColumn          = model.PeakColumn
	SpectralFingerprint = model.SpectralFingerprint
	CacheEntry          = model.CacheEntry
	Products            = model.Products
	MatchResult         = model.MatchResult
	Algorithm           = model.Algorithm
	ConfidenceBand      = model.ConfidenceBand
	JobState            = scheduler.State
)

const (
	ProductPeaks       = model.ProductPeaks
	ProductFingerprint = model.ProductFingerprint
	ProductAll         = model.ProductAll

	AlgorithmCosine      = model.AlgorithmCosine
	AlgorithmCorrelation = model.AlgorithmCorrelation

	ConfidenceHigh   = model.ConfidenceHigh
	ConfidenceMedium = model.ConfidenceMedium
	ConfidenceLow    = model.ConfidenceLow

	JobQueued    = scheduler.StateQueued
	JobRunning   = scheduler.StateRunning
	JobDone      = scheduler.StateDone
	JobFailed    = scheduler.StateFailed
	JobCancelled = scheduler.StateCancelled
)

// IdentityOf stats path and returns its current cache identity.
func IdentityOf(path string) (AudioIdentity, error) {
	return model.IdentityOf(path)
}

// Event is one progress/completion message from the generation pipeline.
// Workers post these onto a queue; the consumer (UI or test harness)
// drains it on its own schedule, so the engine stays decoupled from any
// particular UI toolkit.
type Event struct {
	Identity  AudioIdentity
	Completed int
	Total     int
	State     JobState
	Err       string
}
