package scheduler

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a generation job.
// Queued -> Running -> Done | Failed | Cancelled; terminal states are final.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// ErrCancelled is returned by a RunFunc that observed its handle's
// cancellation flag and stopped between pipeline phases.
var ErrCancelled = errors.New("job cancelled")

// Progress is one batch progress message: Completed of Total jobs finished,
// with the job that just reached a terminal state.
type Progress struct {
	Key       string
	Name      string
	Completed int
	Total     int
	State     State
	Err       string
}

// Logger is the subset of the engine logger the pool needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

// RunFunc executes one job. It should poll h.Cancelled() between expensive
// phases and return ErrCancelled when set; once its final write has begun
// it should run to completion instead.
type RunFunc func(h *Handle) error

// Handle tracks one submitted job. The same handle is shared by every
// caller that requested the same key while the job was in flight.
type Handle struct {
	ID   string
	Key  string
	Name string

	state     atomic.Int32
	cancelled atomic.Bool
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newHandle(key, name string) *Handle {
	return &Handle{
		ID:   uuid.NewString(),
		Key:  key,
		Name: name,
		done: make(chan struct{}),
	}
}

// State returns the job's current lifecycle stage.
func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed once the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's failure, if any, once terminal.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancelled reports whether cancellation was requested. RunFuncs poll this
// between phases.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

func (h *Handle) finish(s State, err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.state.Store(int32(s))
	close(h.done)
}

// Pool is a bounded FIFO worker pool with at-most-one in-flight job per key.
// It does not re-check cache validity; callers submit only work they know
// is needed.
type Pool struct {
	log      Logger
	progress chan Progress
	dropped  atomic.Int64

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*queued
	inflight   map[string]*Handle
	total      int
	completed  int
	closed     bool
	progClosed bool

	wg sync.WaitGroup
}

type queued struct {
	handle *Handle
	run    RunFunc
}

// DefaultWorkers leaves one CPU for the caller's thread (typically a UI).
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool starts workers goroutines pulling jobs in FIFO order.
// workers <= 0 selects DefaultWorkers.
func NewPool(workers int, log Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if log == nil {
		log = nopLogger{}
	}
	p := &Pool{
		log:      log,
		progress: make(chan Progress, 256),
		inflight: make(map[string]*Handle),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Progress delivers batch progress messages. Sends never block a worker;
// messages the consumer is too slow to drain are dropped and counted.
func (p *Pool) Progress() <-chan Progress { return p.progress }

// Dropped returns how many progress messages were discarded because the
// consumer lagged.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Submit queues run under key. If a Queued or Running job for key already
// exists, its handle is returned instead of creating a duplicate, so a UI
// request and a background pre-scan for the same file share one decode.
// Returns nil when the pool is closed.
func (p *Pool) Submit(key, name string, run RunFunc) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if h, ok := p.inflight[key]; ok {
		return h
	}

	h := newHandle(key, name)
	p.inflight[key] = h
	p.queue = append(p.queue, &queued{handle: h, run: run})
	p.total++
	p.cond.Signal()
	return h
}

// Cancel requests best-effort cancellation. A job still Queued is removed
// without running and reported Cancelled; a Running job gets its flag set
// and either stops at the next phase boundary or, if its store write has
// begun, completes and is reported Done.
func (p *Pool) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.cancelled.Store(true)

	p.mu.Lock()
	for i, q := range p.queue {
		if q.handle != h {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		delete(p.inflight, h.Key)
		p.completed++
		msg := p.progressLocked(h, StateCancelled, nil)
		p.mu.Unlock()

		h.finish(StateCancelled, ErrCancelled)
		p.emit(msg)
		return
	}
	p.mu.Unlock()
}

// Close stops accepting work, waits for in-flight jobs, and closes the
// progress channel.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.mu.Lock()
	p.progClosed = true
	p.mu.Unlock()
	close(p.progress)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		q := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		h := q.handle
		if h.Cancelled() {
			p.report(h, StateCancelled, ErrCancelled)
			continue
		}

		h.state.Store(int32(StateRunning))
		err := q.run(h)

		switch {
		case err == nil:
			p.report(h, StateDone, nil)
		case errors.Is(err, ErrCancelled):
			p.report(h, StateCancelled, err)
		default:
			p.log.Warnf("job %s (%s) failed: %v", h.ID, h.Name, err)
			p.report(h, StateFailed, err)
		}
	}
}

// report removes the job from the in-flight table, finalizes the handle and
// emits progress. Once the whole batch has drained the counters reset, so
// the next submissions start a fresh (completed, total) sequence.
func (p *Pool) report(h *Handle, s State, err error) {
	p.mu.Lock()
	delete(p.inflight, h.Key)
	p.completed++
	msg := p.progressLocked(h, s, err)
	p.mu.Unlock()

	h.finish(s, err)
	p.emit(msg)
}

func (p *Pool) progressLocked(h *Handle, s State, err error) Progress {
	msg := Progress{
		Key:       h.Key,
		Name:      h.Name,
		Completed: p.completed,
		Total:     p.total,
		State:     s,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	if p.completed >= p.total {
		p.completed = 0
		p.total = 0
	}
	return msg
}

func (p *Pool) emit(msg Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progClosed {
		return
	}
	select {
	case p.progress <- msg:
	default:
		p.dropped.Add(1)
		p.log.Debugf("progress consumer lagging, dropped message for %s", msg.Name)
	}
}
