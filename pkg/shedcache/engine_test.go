package shedcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
	"github.com/woodshedhq/shedcache/pkg/shedcache/store"
)

type quietLogger struct{}

func (quietLogger) Debugf(string, ...any) {}
func (quietLogger) Infof(string, ...any)  {}
func (quietLogger) Warnf(string, ...any)  {}
func (quietLogger) Errorf(string, ...any) {}

// writeToneWAV writes seconds of a mono sine tone as 16-bit PCM.
func writeToneWAV(t *testing.T, path string, freq float64, seconds float64, amplitude float64) {
	t.Helper()
	const rate = 8000
	frames := int(seconds * rate)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, frames)
	for i := range data {
		data[i] = int(amplitude * 20000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	e, err := New(
		WithCacheRoot(filepath.Join(t.TempDir(), "cache")),
		WithWorkers(2),
		WithPeakColumns(64),
		WithLogger(quietLogger{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEnsureReadyGeneratesAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 440, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()

	ticket, err := e.EnsureReady(ctx, path, ProductAll)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if ticket.Ready() {
		t.Error("fresh file must not be Ready immediately")
	}

	entry, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if entry.Peaks == nil || len(entry.Peaks.Columns) != 64 {
		t.Errorf("peaks missing or wrong resolution: %+v", entry.Peaks)
	}
	if entry.Fingerprint == nil || entry.Fingerprint.FrameCount != 10 {
		t.Errorf("fingerprint missing or wrong frame count: %+v", entry.Fingerprint)
	}

	// Second request is a synchronous hit.
	again, err := e.EnsureReady(ctx, path, ProductAll)
	if err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if !again.Ready() {
		t.Error("cached file must be Ready immediately")
	}
	if got := e.GetCached(path); got == nil {
		t.Error("GetCached must hit after generation")
	}
}

func TestEnsureReadyInvalidArguments(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.EnsureReady(ctx, "", ProductAll); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty path error = %v, want ErrInvalidArgument", err)
	}
	if _, err := e.EnsureReady(ctx, "x.wav", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero products error = %v, want ErrInvalidArgument", err)
	}
}

func TestEnsureReadyMissingFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ticket, err := e.EnsureReady(ctx, filepath.Join(t.TempDir(), "gone.wav"), ProductAll)
	if err != nil {
		t.Fatalf("EnsureReady must not fail synchronously for a missing file: %v", err)
	}
	if ticket.State() != JobFailed {
		t.Errorf("state = %s, want failed", ticket.State())
	}
	if _, err := ticket.Wait(ctx); err == nil {
		t.Error("Wait on a missing file must fail")
	}
}

// countingStore wraps the file store to observe writes.
type countingStore struct {
	Store
	puts atomic.Int32
}

func (c *countingStore) Put(id model.AudioIdentity, p *model.WaveformPeaks, fp *model.SpectralFingerprint) error {
	c.puts.Add(1)
	return c.Store.Put(id, p, fp)
}

func TestConcurrentRequestsShareOneGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 330, 1, 0.8)

	fs, err := store.NewFileStore(filepath.Join(dir, "cache"), nil)
	if err != nil {
		t.Fatal(err)
	}
	counting := &countingStore{Store: fs}

	e, err := NewWithStore(nil, counting)
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	const callers = 10
	tickets := make([]*Ticket, callers)
	for i := range tickets {
		tk, err := e.EnsureReady(ctx, path, ProductAll)
		if err != nil {
			t.Fatalf("EnsureReady %d: %v", i, err)
		}
		tickets[i] = tk
	}
	for i, tk := range tickets {
		if _, err := tk.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if got := counting.puts.Load(); got != 1 {
		t.Errorf("store writes = %d, want 1 (identical requests share one job)", got)
	}
}

func TestModifiedFileGetsNewIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 440, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()

	tk, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tk.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	firstID := tk.Identity()

	// Overwrite the recording and force a visibly different mtime.
	writeToneWAV(t, path, 880, 2, 0.8)
	if err := os.Chtimes(path, time.Now().Add(3*time.Second), time.Now().Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}

	if got := e.GetCached(path); got != nil {
		t.Error("rewritten file must miss on its old record")
	}

	tk2, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if tk2.Ready() {
		t.Error("rewritten file must regenerate, not hit")
	}
	entry, err := tk2.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Identity.Equal(firstID) {
		t.Error("regenerated entry kept the old identity")
	}
	if entry.Peaks.DurationMs != 2000 {
		t.Errorf("DurationMs = %d, want 2000 for the new recording", entry.Peaks.DurationMs)
	}
}

func TestRenamedFileIsDistinct(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.wav")
	writeToneWAV(t, oldPath, 440, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()
	tk, err := e.EnsureReady(ctx, oldPath, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tk.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	newPath := filepath.Join(dir, "new.wav")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	if got := e.GetCached(newPath); got != nil {
		t.Error("renamed file must not resolve the old path's record")
	}
}

func TestInvalidateForcesRegeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 440, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()
	tk, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tk.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if err := e.Invalidate(path); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got := e.GetCached(path); got != nil {
		t.Error("GetCached must miss after Invalidate")
	}

	tk2, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if tk2.Ready() {
		t.Error("EnsureReady after Invalidate must regenerate")
	}
	if _, err := tk2.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSilentAudioStillGetsPeaks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "silence.wav")
	writeToneWAV(t, path, 440, 1, 0) // zero amplitude

	e := newTestEngine(t)
	ctx := context.Background()

	tk, err := e.EnsureReady(ctx, path, ProductAll)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := tk.Wait(ctx)
	if err != nil {
		t.Fatalf("silent audio must still cache peaks: %v", err)
	}
	if entry.Peaks == nil {
		t.Error("peaks missing for silent audio")
	}
	if entry.Fingerprint != nil {
		t.Error("silent audio must record the fingerprint as unavailable")
	}
}

func TestFindBestMatchesEndToEnd(t *testing.T) {
	dir := t.TempDir()
	query := filepath.Join(dir, "query.wav")
	sameSong := filepath.Join(dir, "same_song.wav")
	unrelated := filepath.Join(dir, "unrelated.wav")
	writeToneWAV(t, query, 440, 1, 0.8)
	writeToneWAV(t, sameSong, 440, 1.5, 0.3) // quieter, longer take
	writeToneWAV(t, unrelated, 2000, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()
	for _, p := range []string{query, sameSong, unrelated} {
		tk, err := e.EnsureReady(ctx, p, ProductFingerprint)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tk.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// The query path in the candidate list is skipped, not self-matched.
	results, err := e.FindBestMatches(ctx, query, []string{query, sameSong, unrelated})
	if err != nil {
		t.Fatalf("FindBestMatches: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Candidate.Path != sameSong {
		t.Errorf("top match = %s, want the same-song take", results[0].Candidate.Path)
	}
	if results[0].Score <= results[1].Score {
		t.Error("same-song take must outscore the unrelated one")
	}
	if results[0].Score < 0.7 {
		t.Errorf("same-song score = %f, want high confidence", results[0].Score)
	}
	if results[1].Score >= 0.3 {
		t.Errorf("unrelated score = %f, want low confidence", results[1].Score)
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("%s score = %f, out of [0,1]", r.Candidate.Path, r.Score)
		}
	}
}

func TestFindBestMatchesRequiresQueryFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uncached.wav")
	writeToneWAV(t, path, 440, 1, 0.8)

	e := newTestEngine(t)
	_, err := e.FindBestMatches(context.Background(), path, []string{path})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFreshFolderBatchProgress(t *testing.T) {
	dir := t.TempDir()
	const files = 20
	paths := make([]string, files)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("take%02d.wav", i))
		writeToneWAV(t, paths[i], 200+float64(i)*50, 0.5, 0.8)
	}

	fs, err := store.NewFileStore(filepath.Join(dir, "cache"), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Hold all store writes until the whole batch is queued, so Total is a
	// stable 20 for every progress event.
	gated := &gatedStore{Store: fs, gate: make(chan struct{})}
	cfg := defaultConfig()
	cfg.Workers = 1
	cfg.Logger = quietLogger{}
	e, err := NewWithStore(cfg, gated)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tickets := make([]*Ticket, files)
	for i, p := range paths {
		tickets[i], err = e.EnsureReady(ctx, p, ProductAll)
		if err != nil {
			t.Fatal(err)
		}
	}
	close(gated.gate)
	for i, tk := range tickets {
		if _, err := tk.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	e.Close()

	var events []Event
	for ev := range e.Events() {
		events = append(events, ev)
	}
	if len(events) != files {
		t.Fatalf("events = %d, want %d", len(events), files)
	}
	for i, ev := range events {
		if ev.Completed != i+1 {
			t.Errorf("event %d Completed = %d, want %d", i, ev.Completed, i+1)
		}
		if ev.Total != files {
			t.Errorf("event %d Total = %d, want %d", i, ev.Total, files)
		}
		if ev.State != JobDone {
			t.Errorf("event %d state = %s, want done", i, ev.State)
		}
		if ev.Identity.Path == "" {
			t.Errorf("event %d has no identity", i)
		}
	}
	for _, p := range paths {
		if entry := e.GetCached(p); !entry.HasProducts(ProductAll) {
			t.Errorf("%s not fully cached after batch", filepath.Base(p))
		}
	}
}

func TestSweepDropsRecordsForVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.wav")
	gone := filepath.Join(dir, "gone.wav")
	writeToneWAV(t, kept, 440, 1, 0.8)
	writeToneWAV(t, gone, 550, 1, 0.8)

	e := newTestEngine(t)
	ctx := context.Background()
	for _, p := range []string{kept, gone} {
		tk, err := e.EnsureReady(ctx, p, ProductPeaks)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tk.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	removed, err := e.Sweep([]string{kept})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got := e.GetCached(kept); got == nil {
		t.Error("kept file's record must survive the sweep")
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := e.EnsureReady(context.Background(), "x.wav", ProductAll)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// gatedStore holds every Put until released, keeping jobs in flight for
// as long as a test needs.
type gatedStore struct {
	Store
	gate chan struct{}
}

func (g *gatedStore) Put(id model.AudioIdentity, p *model.WaveformPeaks, fp *model.SpectralFingerprint) error {
	<-g.gate
	return g.Store.Put(id, p, fp)
}

func TestWaitHonorsContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 440, 2, 0.8)

	fs, err := store.NewFileStore(filepath.Join(dir, "cache"), nil)
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{Store: fs, gate: make(chan struct{})}
	e, err := NewWithStore(nil, gated)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	tk, err := e.EnsureReady(context.Background(), path, ProductAll)
	if err != nil {
		t.Fatal(err)
	}

	// The job is stuck at the store phase, so the wait can only end via
	// the context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tk.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	close(gated.gate)

	// Abandoning the wait did not abort the job; a fresh wait still
	// delivers the entry.
	entry, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if entry == nil || entry.Peaks == nil {
		t.Error("entry must be generated despite the abandoned wait")
	}
}

func TestCorruptRecordRegenerates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "take1.wav")
	writeToneWAV(t, path, 440, 1, 0.8)

	cacheRoot := filepath.Join(t.TempDir(), "cache")
	e, err := New(
		WithCacheRoot(cacheRoot),
		WithWorkers(1),
		WithLogger(quietLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx := context.Background()
	tk, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tk.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	// Truncate the record on disk, as an interrupted write would.
	id, err := IdentityOf(path)
	if err != nil {
		t.Fatal(err)
	}
	recPath := filepath.Join(cacheRoot, id.Key()+".json")
	if err := os.WriteFile(recPath, []byte(`{"schema_ver`), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := e.GetCached(path); got != nil {
		t.Fatal("truncated record must read as a miss")
	}
	tk2, err := e.EnsureReady(ctx, path, ProductPeaks)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := tk2.Wait(ctx)
	if err != nil {
		t.Fatalf("regeneration after corruption: %v", err)
	}
	if entry.Peaks == nil {
		t.Error("regenerated entry missing peaks")
	}
}
