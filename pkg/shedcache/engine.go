package shedcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/woodshedhq/shedcache/pkg/logger"
	"github.com/woodshedhq/shedcache/pkg/shedcache/audio"
	"github.com/woodshedhq/shedcache/pkg/shedcache/feature"
	"github.com/woodshedhq/shedcache/pkg/shedcache/match"
	"github.com/woodshedhq/shedcache/pkg/shedcache/model"
	"github.com/woodshedhq/shedcache/pkg/shedcache/scheduler"
	"github.com/woodshedhq/shedcache/pkg/shedcache/store"
)

// cacheEngine orchestrates decoder, extractor, store, scheduler and
// matcher behind the Engine interface. One instance is constructed per
// process lifetime and passed by reference to all callers; there are no
// package-level singletons.
type cacheEngine struct {
	cfg     *Config
	log     Logger
	store   Store
	pool    *scheduler.Pool
	decoder *audio.Decoder
	matcher *match.Matcher

	mu      sync.Mutex
	pending map[string]model.AudioIdentity
	closed  bool

	events chan Event
	wg     sync.WaitGroup
}

// New builds an engine from options. With no options it caches under
// ./.shedcache, uses the default logger and has no compressed-format
// backend (WAV only).
func New(opts ...Option) (Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.loadErr != nil {
		return nil, cfg.loadErr
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	fileStore, err := store.NewFileStore(cfg.CacheRoot, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating cache store: %w", err)
	}

	return NewWithStore(cfg, fileStore)
}

// NewWithStore wires an engine around an injected store, for callers (and
// tests) that manage persistence themselves.
func NewWithStore(cfg *Config, st Store) (Engine, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}

	e := &cacheEngine{
		cfg:     cfg,
		log:     cfg.Logger,
		store:   st,
		pool:    scheduler.NewPool(cfg.Workers, cfg.Logger),
		decoder: audio.NewDecoder(cfg.Backend),
		matcher: match.New(cfg.matcherConfig()),
		pending: make(map[string]model.AudioIdentity),
		events:  make(chan Event, 256),
	}

	e.wg.Add(1)
	go e.forwardProgress()
	return e, nil
}

// forwardProgress translates pool progress into engine events carrying the
// full identity. Delivery never blocks a worker.
func (e *cacheEngine) forwardProgress() {
	defer e.wg.Done()
	for p := range e.pool.Progress() {
		e.mu.Lock()
		id := e.pending[p.Key]
		if p.State.Terminal() {
			delete(e.pending, p.Key)
		}
		e.mu.Unlock()

		ev := Event{
			Identity:  id,
			Completed: p.Completed,
			Total:     p.Total,
			State:     p.State,
			Err:       p.Err,
		}
		select {
		case e.events <- ev:
		default:
			e.log.Debugf("event consumer lagging, dropped event for %s", id.Base())
		}
	}
	close(e.events)
}

// jobKey scopes deduplication to the exact identity: a file whose size or
// mtime changed gets a distinct key and therefore its own job.
func jobKey(id model.AudioIdentity) string {
	return fmt.Sprintf("%s:%d:%d", id.Key(), id.SizeBytes, id.ModTime.UnixNano())
}

func (e *cacheEngine) EnsureReady(ctx context.Context, path string, products model.Products) (*Ticket, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if products == 0 {
		return nil, fmt.Errorf("%w: no products requested", ErrInvalidArgument)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	// Identity is recomputed on every access, never reused from earlier
	// calls, so renamed or rewritten files cannot resolve stale entries.
	id, err := model.IdentityOf(path)
	if err != nil {
		return failedTicket(model.AudioIdentity{Path: path}, err), nil
	}

	if entry := e.store.Get(id); entry.HasProducts(products) {
		return readyTicket(id, entry), nil
	}

	key := jobKey(id)
	run := e.pipeline(id, products)

	e.mu.Lock()
	handle := e.pool.Submit(key, id.Base(), run)
	if handle == nil {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[key] = id
	e.mu.Unlock()

	return &Ticket{engine: e, identity: id, handle: handle}, nil
}

// pipeline runs decode -> extract -> store for one identity on a pool
// worker. Cancellation is polled between phases; once the store write
// begins the job always completes so the cache is never left torn.
func (e *cacheEngine) pipeline(id model.AudioIdentity, products model.Products) scheduler.RunFunc {
	return func(h *scheduler.Handle) error {
		// Jobs deliberately outlive caller contexts: a caller that stops
		// waiting abandons its ticket, it does not abort the work.
		buf, err := e.decoder.Decode(context.Background(), id.Path)
		if err != nil {
			return err
		}
		if h.Cancelled() {
			return scheduler.ErrCancelled
		}

		var peaks *model.WaveformPeaks
		var fp *model.SpectralFingerprint
		var fpErr error

		if products.Has(model.ProductPeaks) {
			peaks = feature.ComputePeaks(buf, e.cfg.PeakColumns)
		}
		if products.Has(model.ProductFingerprint) {
			fp, fpErr = feature.ComputeFingerprint(buf, e.cfg.fingerprintConfig())
			if fpErr != nil {
				// Fingerprint unavailable; peaks are unaffected.
				e.log.Warnf("fingerprint for %s unavailable: %v", id.Base(), fpErr)
			}
		}
		if peaks == nil && fp == nil {
			return fmt.Errorf("no products computed for %s: %w", id.Base(), fpErr)
		}
		if h.Cancelled() {
			return scheduler.ErrCancelled
		}

		// Store phase: past the point of no return.
		if err := e.store.Put(id, peaks, fp); err != nil {
			return err
		}
		e.log.Debugf("cached %s for %s", products, id.Base())
		return nil
	}
}

func (e *cacheEngine) GetCached(path string) *model.CacheEntry {
	id, err := model.IdentityOf(path)
	if err != nil {
		return nil
	}
	return e.store.Get(id)
}

func (e *cacheEngine) Invalidate(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	// Only the path digest selects the record; size/mtime are irrelevant
	// here, and the file itself may already be gone.
	return e.store.Delete(model.AudioIdentity{Path: path})
}

func (e *cacheEngine) FindBestMatches(ctx context.Context, queryPath string, candidatePaths []string) ([]model.MatchResult, error) {
	if queryPath == "" {
		return nil, fmt.Errorf("%w: empty query path", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryID, err := model.IdentityOf(queryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, queryPath)
	}
	queryEntry := e.store.Get(queryID)
	if queryEntry == nil || queryEntry.Fingerprint == nil {
		return nil, fmt.Errorf("%w: no fingerprint for %s", ErrNotFound, queryPath)
	}

	candidates := make([]match.Candidate, 0, len(candidatePaths))
	for _, p := range candidatePaths {
		if p == queryPath {
			continue
		}
		id, err := model.IdentityOf(p)
		if err != nil {
			continue
		}
		entry := e.store.Get(id)
		if entry == nil || entry.Fingerprint == nil {
			// Missing or failed fingerprint excludes the candidate.
			e.log.Debugf("match: skipping %s, no fingerprint cached", id.Base())
			continue
		}
		candidates = append(candidates, match.Candidate{
			Identity:    id,
			Fingerprint: entry.Fingerprint,
		})
	}

	return e.matcher.FindBestMatches(queryEntry.Fingerprint, candidates), nil
}

func (e *cacheEngine) Sweep(knownPaths []string) (int, error) {
	known := make(map[string]struct{}, len(knownPaths))
	for _, p := range knownPaths {
		known[p] = struct{}{}
	}
	return e.store.Sweep(known)
}

func (e *cacheEngine) Events() <-chan Event {
	return e.events
}

func (e *cacheEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pool.Close()
	e.wg.Wait()
	return nil
}

// Cancel requests best-effort cancellation of a ticket's job.
func (e *cacheEngine) Cancel(t *Ticket) {
	if t == nil || t.handle == nil {
		return
	}
	e.pool.Cancel(t.handle)
}

// Ticket tracks one EnsureReady request. A fast-path hit is Ready
// immediately; otherwise the ticket follows the underlying job.
type Ticket struct {
	engine   *cacheEngine
	identity model.AudioIdentity
	handle   *scheduler.Handle

	entry   *model.CacheEntry
	failErr error
}

func readyTicket(id model.AudioIdentity, entry *model.CacheEntry) *Ticket {
	return &Ticket{identity: id, entry: entry}
}

func failedTicket(id model.AudioIdentity, err error) *Ticket {
	return &Ticket{identity: id, failErr: err}
}

// Identity returns the identity the ticket was issued for.
func (t *Ticket) Identity() model.AudioIdentity { return t.identity }

// Ready reports whether the entry was already cached when the ticket was
// issued.
func (t *Ticket) Ready() bool { return t.entry != nil }

// State returns the job state backing this ticket. Fast-path tickets
// report Done; failed-before-submit tickets report Failed.
func (t *Ticket) State() JobState {
	switch {
	case t.entry != nil:
		return JobDone
	case t.failErr != nil:
		return JobFailed
	default:
		return t.handle.State()
	}
}

// Err returns the failure reason once the ticket is terminal.
func (t *Ticket) Err() error {
	switch {
	case t.failErr != nil:
		return t.failErr
	case t.handle != nil:
		return t.handle.Err()
	default:
		return nil
	}
}

// Wait blocks the calling goroutine (only) until the entry is ready, the
// job fails or is cancelled, or ctx is done. Abandoning a Wait does not
// stop the underlying work; the cache still fills for the next caller.
func (t *Ticket) Wait(ctx context.Context) (*model.CacheEntry, error) {
	if t.entry != nil {
		return t.entry, nil
	}
	if t.failErr != nil {
		return nil, t.failErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.handle.Done():
	}

	switch t.handle.State() {
	case JobDone:
		entry := t.engine.store.Get(t.identity)
		if entry == nil {
			return nil, fmt.Errorf("%w: entry vanished after generation", ErrNotFound)
		}
		return entry, nil
	case JobCancelled:
		return nil, ErrCancelled
	default:
		return nil, t.handle.Err()
	}
}
