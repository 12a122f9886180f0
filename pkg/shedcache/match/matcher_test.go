package match

import (
	"math"
	"testing"
	"time"

	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
)

func identity(path string) model.AudioIdentity {
	return model.AudioIdentity{
		Path:      path,
		SizeBytes: 1000,
		ModTime:   time.Unix(1700000000, 0),
	}
}

// fp builds a fingerprint where each frame's energy concentrates on one band.
func fp(dominantBands ...int) *model.SpectralFingerprint {
	const bandCount = 8
	bands := make([][]float64, len(dominantBands))
	for i, d := range dominantBands {
		vec := make([]float64, bandCount)
		for b := range vec {
			vec[b] = 0.1
		}
		vec[d] = 10
		bands[i] = vec
	}
	return &model.SpectralFingerprint{
		FrameCount:      uint32(len(dominantBands)),
		FrameIntervalMs: 100,
		Bands:           bands,
	}
}

// scaled returns a copy of f with every energy multiplied by factor,
// mimicking the same performance recorded at a different level.
func scaled(f *model.SpectralFingerprint, factor float64) *model.SpectralFingerprint {
	out := &model.SpectralFingerprint{
		FrameCount:      f.FrameCount,
		FrameIntervalMs: f.FrameIntervalMs,
		Bands:           make([][]float64, len(f.Bands)),
	}
	for i, frame := range f.Bands {
		v := make([]float64, len(frame))
		for j, e := range frame {
			v[j] = e * factor
		}
		out.Bands[i] = v
	}
	return out
}

func TestSelfMatchScoresOne(t *testing.T) {
	query := fp(0, 1, 2, 3, 2, 1, 0)
	m := New(DefaultConfig())

	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/takes/same.wav"), Fingerprint: query},
		{Identity: identity("/takes/other.wav"), Fingerprint: fp(7, 7, 7, 7, 7, 7, 7)},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Candidate.Path != "/takes/same.wav" {
		t.Errorf("top match = %s, want the identical fingerprint", results[0].Candidate.Path)
	}
	if math.Abs(results[0].Score-1) > 1e-9 {
		t.Errorf("self-match score = %f, want 1", results[0].Score)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted by descending score")
	}
}

func TestScoresStayInRange(t *testing.T) {
	m := New(DefaultConfig())
	query := fp(0, 1, 2, 3)
	candidates := []Candidate{
		{Identity: identity("/a"), Fingerprint: fp(0, 1, 2, 3)},
		{Identity: identity("/b"), Fingerprint: fp(4, 5, 6, 7)},
		{Identity: identity("/c"), Fingerprint: fp(3, 2, 1, 0, 7, 6, 5, 4)},
	}
	for _, r := range m.FindBestMatches(query, candidates) {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("%s score = %f, out of [0,1]", r.Candidate.Path, r.Score)
		}
	}
}

func TestVolumeInvariance(t *testing.T) {
	query := fp(0, 2, 4, 6, 4, 2, 0)
	quiet := scaled(query, 0.05)
	m := New(DefaultConfig())

	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/quiet.wav"), Fingerprint: quiet},
	})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Score < 0.999 {
		t.Errorf("volume-scaled copy score = %f, want ~1", results[0].Score)
	}
}

func TestDifferentLengthAlignment(t *testing.T) {
	// The candidate contains the query's band sequence with extra frames
	// around it, like a slower take with a count-in.
	query := fp(1, 3, 5, 7)
	longer := fp(0, 0, 1, 3, 5, 7, 0, 0)
	unrelated := fp(6, 2, 6, 2, 6, 2, 6, 2)

	m := New(Config{Algorithm: model.AlgorithmCosine, AlignmentHop: 1})
	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/longer.wav"), Fingerprint: longer},
		{Identity: identity("/unrelated.wav"), Fingerprint: unrelated},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Candidate.Path != "/longer.wav" {
		t.Errorf("top match = %s, want the take containing the query", results[0].Candidate.Path)
	}
	if results[0].Score < 0.9 {
		t.Errorf("aligned sub-sequence score = %f, want > 0.9", results[0].Score)
	}
	if results[1].Score >= results[0].Score {
		t.Error("unrelated take must score below the containing take")
	}
}

func TestTieBreakPrefersCloserFrameCount(t *testing.T) {
	query := fp(2, 2, 2, 2)
	// Both candidates hold identical frames, so their best-alignment scores
	// tie at 1; the shorter one is closer to the query's length.
	near := fp(2, 2, 2, 2, 2)
	far := fp(2, 2, 2, 2, 2, 2, 2, 2, 2, 2)

	m := New(DefaultConfig())
	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/far.wav"), Fingerprint: far},
		{Identity: identity("/near.wav"), Fingerprint: near},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Score != results[1].Score {
		t.Fatalf("expected tied scores, got %f and %f", results[0].Score, results[1].Score)
	}
	if results[0].Candidate.Path != "/near.wav" {
		t.Errorf("top match = %s, want the closer frame count", results[0].Candidate.Path)
	}
}

func TestTieBreakFallsBackToIdentityOrder(t *testing.T) {
	query := fp(1, 1, 1)
	m := New(DefaultConfig())
	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/z.wav"), Fingerprint: fp(1, 1, 1)},
		{Identity: identity("/a.wav"), Fingerprint: fp(1, 1, 1)},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Candidate.Path != "/a.wav" {
		t.Errorf("top of full tie = %s, want /a.wav (identity order)", results[0].Candidate.Path)
	}
}

func TestSkipsUnusableCandidates(t *testing.T) {
	query := fp(0, 1, 2)
	mismatched := &model.SpectralFingerprint{
		FrameCount: 2,
		Bands:      [][]float64{{1, 2}, {3, 4}}, // different band count
	}
	m := New(DefaultConfig())
	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/nil.wav"), Fingerprint: nil},
		{Identity: identity("/empty.wav"), Fingerprint: &model.SpectralFingerprint{}},
		{Identity: identity("/layout.wav"), Fingerprint: mismatched},
		{Identity: identity("/good.wav"), Fingerprint: fp(0, 1, 2)},
	})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (unusable candidates skipped)", len(results))
	}
	if results[0].Candidate.Path != "/good.wav" {
		t.Errorf("kept candidate = %s, want /good.wav", results[0].Candidate.Path)
	}
}

func TestEmptyInputs(t *testing.T) {
	m := New(DefaultConfig())
	if got := m.FindBestMatches(nil, []Candidate{{Identity: identity("/a")}}); got != nil {
		t.Error("nil query must yield no results")
	}
	if got := m.FindBestMatches(fp(1, 2), nil); got != nil {
		t.Error("no candidates must yield no results")
	}
}

func TestCorrelationAlgorithm(t *testing.T) {
	query := fp(0, 3, 6, 3, 0)
	m := New(Config{Algorithm: model.AlgorithmCorrelation, AlignmentHop: 1})

	results := m.FindBestMatches(query, []Candidate{
		{Identity: identity("/same.wav"), Fingerprint: scaled(query, 2)},
		{Identity: identity("/other.wav"), Fingerprint: fp(7, 5, 7, 5, 7)},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Candidate.Path != "/same.wav" {
		t.Errorf("top match = %s, want the scaled copy", results[0].Candidate.Path)
	}
	if results[0].Algorithm != model.AlgorithmCorrelation {
		t.Errorf("algorithm = %s, want correlation", results[0].Algorithm)
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("%s score = %f, out of [0,1]", r.Candidate.Path, r.Score)
		}
	}
}
