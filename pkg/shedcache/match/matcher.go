package match

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
)

// DefaultAlignmentHop is how many frames apart candidate alignments are
// tried when the query and candidate durations differ.
const DefaultAlignmentHop = 5

// Config selects the similarity variant and alignment granularity.
type Config struct {
	Algorithm    model.Algorithm
	AlignmentHop int
}

// DefaultConfig returns cosine matching with the default hop.
func DefaultConfig() Config {
	return Config{
		Algorithm:    model.AlgorithmCosine,
		AlignmentHop: DefaultAlignmentHop,
	}
}

// Candidate pairs an identity with its stored fingerprint. Candidates with
// a nil or empty fingerprint are skipped, never reported as errors.
type Candidate struct {
	Identity    model.AudioIdentity
	Fingerprint *model.SpectralFingerprint
}

// Matcher scores fingerprints against each other. It consumes stored
// fingerprints only, never raw audio.
type Matcher struct {
	cfg Config
}

func New(cfg Config) *Matcher {
	if cfg.AlignmentHop <= 0 {
		cfg.AlignmentHop = DefaultAlignmentHop
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = model.AlgorithmCosine
	}
	return &Matcher{cfg: cfg}
}

// FindBestMatches scores query against every candidate and returns results
// sorted by descending score. Ties prefer the candidate whose frame count
// is closer to the query's (closer duration, more likely the same take),
// then identity order, so ranking is fully deterministic. Empty input
// yields an empty result, not an error.
func (m *Matcher) FindBestMatches(query *model.SpectralFingerprint, candidates []Candidate) []model.MatchResult {
	if query == nil || len(query.Bands) == 0 || len(candidates) == 0 {
		return nil
	}

	q := normalize(query.Bands)
	results := make([]model.MatchResult, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Fingerprint == nil || len(cand.Fingerprint.Bands) == 0 {
			continue
		}
		if len(cand.Fingerprint.Bands[0]) != len(query.Bands[0]) {
			// Band layout from a different configuration; not comparable.
			continue
		}
		score := m.score(q, normalize(cand.Fingerprint.Bands))
		results = append(results, model.MatchResult{
			Candidate: cand.Identity,
			Score:     score,
			Algorithm: m.cfg.Algorithm,
		})
	}

	queryFrames := int(query.FrameCount)
	frameDist := func(r model.MatchResult) int {
		d := 0
		for _, cand := range candidates {
			if cand.Identity.Equal(r.Candidate) && cand.Fingerprint != nil {
				d = int(cand.Fingerprint.FrameCount) - queryFrames
				break
			}
		}
		if d < 0 {
			d = -d
		}
		return d
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		di, dj := frameDist(results[i]), frameDist(results[j])
		if di != dj {
			return di < dj
		}
		return results[i].Candidate.Less(results[j].Candidate)
	})
	return results
}

// normalize L1-normalizes each frame vector so a quieter recording of the
// same performance produces the same shape. Silent frames stay all-zero.
func normalize(bands [][]float64) [][]float64 {
	out := make([][]float64, len(bands))
	for i, frame := range bands {
		v := make([]float64, len(frame))
		copy(v, frame)
		if sum := floats.Sum(v); sum > 0 {
			floats.Scale(1/sum, v)
		}
		out[i] = v
	}
	return out
}

// score slides the shorter frame sequence over the longer one and returns
// the best alignment's mean per-frame similarity, clamped to [0, 1].
// Loudness differences are already factored out by normalization.
func (m *Matcher) score(a, b [][]float64) float64 {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}

	span := len(long) - len(short)
	best := 0.0
	for offset := 0; ; offset += m.cfg.AlignmentHop {
		if offset > span {
			offset = span
		}
		var sum float64
		for i := range short {
			sum += m.frameSimilarity(short[i], long[offset+i])
		}
		if s := sum / float64(len(short)); s > best {
			best = s
		}
		if offset >= span {
			break
		}
	}

	if best < 0 {
		return 0
	}
	if best > 1 {
		return 1
	}
	return best
}

func (m *Matcher) frameSimilarity(a, b []float64) float64 {
	switch m.cfg.Algorithm {
	case model.AlgorithmCorrelation:
		return correlationSimilarity(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

// cosineSimilarity over non-negative energy vectors lands in [0, 1]. Two
// silent frames count as identical; silence against signal scores zero.
func cosineSimilarity(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 && nb == 0 {
		return 1
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// correlationSimilarity maps Pearson correlation from [-1, 1] into [0, 1].
// Constant vectors have no defined correlation; identical constants count
// as a perfect match, anything else as none.
func correlationSimilarity(a, b []float64) float64 {
	r := stat.Correlation(a, b, nil)
	if math.IsNaN(r) {
		if floats.Equal(a, b) {
			return 1
		}
		return 0
	}
	return (r + 1) / 2
}
