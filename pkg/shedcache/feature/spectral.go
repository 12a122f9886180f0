package feature

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"github.com/woodshedhq/shedcache/pkg/shedcache/audio"
	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
)

// Fingerprint tunables. The defaults give 10 frames/second across 12
// log-spaced bands between 60 Hz and 8 kHz.
const (
	DefaultFrameMs   = 100
	DefaultBandCount = 12
	DefaultBandMinHz = 60.0
	DefaultBandMaxHz = 8000.0
)

// FingerprintConfig controls frame and band layout.
type FingerprintConfig struct {
	FrameMs   int
	BandCount int
	BandMinHz float64
	BandMaxHz float64
}

// DefaultFingerprintConfig returns the package defaults.
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{
		FrameMs:   DefaultFrameMs,
		BandCount: DefaultBandCount,
		BandMinHz: DefaultBandMinHz,
		BandMaxHz: DefaultBandMaxHz,
	}
}

// ComputeError marks input the fingerprint stage cannot represent (silence,
// audio shorter than one frame, non-finite FFT output). The caller records
// the fingerprint as unavailable; peaks generation is unaffected.
type ComputeError struct {
	Reason string
}

func (e *ComputeError) Error() string {
	return "compute fingerprint: " + e.Reason
}

// hamming returns a Hamming window of length n.
func hamming(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// bandEdges returns BandCount+1 log-spaced frequency edges, with the upper
// bound clamped to Nyquist.
func bandEdges(cfg FingerprintConfig, sampleRate int) []float64 {
	nyquist := float64(sampleRate) / 2
	maxHz := cfg.BandMaxHz
	if maxHz > nyquist {
		maxHz = nyquist
	}
	minHz := cfg.BandMinHz
	if minHz >= maxHz {
		minHz = maxHz / 2
	}

	edges := make([]float64, cfg.BandCount+1)
	ratio := maxHz / minHz
	for i := range edges {
		edges[i] = minHz * math.Pow(ratio, float64(i)/float64(cfg.BandCount))
	}
	return edges
}

// ComputeFingerprint splits the signal into fixed-duration non-overlapping
// frames and accumulates per-frame spectral energy into log-spaced bands.
// A trailing partial frame is dropped rather than zero-padded. Output is
// deterministic: the same buffer always yields bit-identical band values.
func ComputeFingerprint(buf *audio.SampleBuffer, cfg FingerprintConfig) (*model.SpectralFingerprint, error) {
	if cfg.FrameMs <= 0 || cfg.BandCount <= 0 {
		return nil, &ComputeError{Reason: fmt.Sprintf("invalid config: frame %dms, %d bands", cfg.FrameMs, cfg.BandCount)}
	}

	mono := buf.MonoFloat64()
	frameLen := buf.SampleRate * cfg.FrameMs / 1000
	if frameLen <= 0 {
		return nil, &ComputeError{Reason: "frame length rounds to zero samples"}
	}
	frameCount := len(mono) / frameLen
	if frameCount == 0 {
		return nil, &ComputeError{Reason: "audio shorter than one analysis frame"}
	}

	window := hamming(frameLen)
	edges := bandEdges(cfg, buf.SampleRate)
	binHz := float64(buf.SampleRate) / float64(frameLen)

	bands := make([][]float64, frameCount)
	var total float64

	frame := make([]float64, frameLen)
	for t := 0; t < frameCount; t++ {
		start := t * frameLen
		for i := 0; i < frameLen; i++ {
			frame[i] = mono[start+i] * window[i]
		}

		spectrum := fft.FFTReal(frame)
		vec := make([]float64, cfg.BandCount)
		half := len(spectrum) / 2
		for k := 1; k < half; k++ {
			freq := float64(k) * binHz
			b := bandFor(edges, freq)
			if b < 0 {
				continue
			}
			mag := cmplx.Abs(spectrum[k])
			vec[b] += mag * mag
		}

		for _, e := range vec {
			if math.IsNaN(e) || math.IsInf(e, 0) {
				return nil, &ComputeError{Reason: fmt.Sprintf("non-finite band energy in frame %d", t)}
			}
			total += e
		}
		bands[t] = vec
	}

	if total == 0 {
		return nil, &ComputeError{Reason: "no spectral energy (silent audio)"}
	}

	return &model.SpectralFingerprint{
		FrameCount:      uint32(frameCount),
		FrameIntervalMs: uint32(cfg.FrameMs),
		Bands:           bands,
	}, nil
}

// bandFor locates the band index whose [edge, nextEdge) range holds freq,
// or -1 when freq falls outside the configured span.
func bandFor(edges []float64, freq float64) int {
	if freq < edges[0] || freq >= edges[len(edges)-1] {
		return -1
	}
	for b := 0; b < len(edges)-1; b++ {
		if freq < edges[b+1] {
			return b
		}
	}
	return -1
}
