// Package scheduler provides the single-goroutine job loop that every
// pipeline stage uses to serialize access to its own state.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability/metrics"
)

// Job is a unit of work executed on the scheduler goroutine.
type Job func()

const (
	// DefaultMaxTimerCount bounds the pool of reusable timers.
	DefaultMaxTimerCount = 16

	// DefaultMaxPanics is the number of recovered job panics after which
	// the loop gives up and the stage stops.
	DefaultMaxPanics = 100
)

// ErrClosed is returned by Invoke when the scheduler no longer accepts jobs.
var ErrClosed = errors.NewStd("scheduler closed")

// Config holds scheduler construction parameters.
type Config struct {
	Name          string
	MaxTimerCount int
	MaxPanics     int
	Logger        logger.Logger
	Metrics       *metrics.PipelineMetrics
}

// Scheduler runs posted jobs and timer callbacks one at a time on a
// dedicated goroutine.
type Scheduler struct {
	name    string
	log     logger.Logger
	metrics *metrics.PipelineMetrics

	mu     sync.Mutex
	queue  []Job
	closed bool
	wake   chan struct{}

	active    map[*timer]struct{}
	free      []*timer
	maxTimers int
	allocated atomic.Int64

	maxPanics int
	panics    int

	ready    atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a scheduler goroutine.
func New(cfg Config) *Scheduler {
	if cfg.MaxTimerCount <= 0 {
		cfg.MaxTimerCount = DefaultMaxTimerCount
	}
	if cfg.MaxPanics <= 0 {
		cfg.MaxPanics = DefaultMaxPanics
	}
	if cfg.Name == "" {
		cfg.Name = "stage"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("scheduler")
	}

	s := &Scheduler{
		name:      cfg.Name,
		log:       log.With(logger.String("stage", cfg.Name)),
		metrics:   cfg.Metrics,
		wake:      make(chan struct{}, 1),
		active:    make(map[*timer]struct{}),
		maxTimers: cfg.MaxTimerCount,
		maxPanics: cfg.MaxPanics,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Name returns the stage name the scheduler was created with.
func (s *Scheduler) Name() string {
	return s.name
}

// IsReady reports whether the loop goroutine has started.
func (s *Scheduler) IsReady() bool {
	return s.ready.Load()
}

// Done is closed once the loop goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Post queues job for execution. Jobs posted after Close are dropped.
func (s *Scheduler) Post(job Job) {
	if !s.enqueue(job) {
		s.log.Trace("job dropped after close")
	}
}

// Invoke runs fn on the scheduler goroutine and waits for it to return.
// It must not be called from a job running on the same scheduler.
func (s *Scheduler) Invoke(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.enqueue(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) enqueue(job Job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) next() (Job, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			job := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
			}
			s.mu.Unlock()
			return job, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	s.ready.Store(true)
	s.log.Debug("scheduler loop started")

	for {
		job, ok := s.next()
		if !ok {
			s.log.Debug("scheduler loop stopped")
			return
		}
		if !s.execute(job) {
			s.log.Error("scheduler loop exceeded panic limit, stage stopped",
				logger.Int("max_panics", s.maxPanics))
			s.shutdown()
			return
		}
	}
}

// execute runs one job, recovering a panic. It returns false once the
// panic budget is exhausted.
func (s *Scheduler) execute(job Job) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.panics++
		s.metrics.RecordJobPanic(s.name)
		err := errors.Newf("job panic: %v", r).
			Component("scheduler").
			Category(errors.CategoryScheduler).
			Context("stage", s.name).
			Context("panic_count", s.panics).
			Build()
		s.log.Error("recovered job panic", logger.Error(err), logger.Int("panic_count", s.panics))
		ok = s.panics <= s.maxPanics
	}()
	job()
	return true
}

// Close stops accepting jobs, force-expires every active timer without
// running its job, drains already queued jobs and waits for the loop to exit.
// It must not be called from a job running on the same scheduler.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		s.shutdown()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		<-s.done
	})
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for t := range s.active {
		t.cancel()
		delete(s.active, t)
		s.recycleLocked(t)
	}
}

// TimersAllocated returns how many timer objects were ever constructed.
func (s *Scheduler) TimersAllocated() int64 {
	return s.allocated.Load()
}

// String implements fmt.Stringer for logs.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s)", s.name)
}

// PostAfter schedules job to run after at least d. The returned handle can
// be inspected with IsActive/IsExpired. Expired timers are reused from a
// bounded free pool.
func (s *Scheduler) PostAfter(job Job, d time.Duration) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return TimerHandle{}
	}

	var t *timer
	if n := len(s.free); n > 0 {
		t = s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
	} else {
		t = &timer{}
		s.allocated.Add(1)
		s.metrics.RecordTimerAllocated(s.name)
	}

	gen := t.arm(job, d, s.fire)
	s.active[t] = struct{}{}
	return TimerHandle{s: s, t: t, gen: gen}
}

// fire runs on the runtime timer goroutine and hands the expiry to the loop.
func (s *Scheduler) fire(t *timer, gen uint64) {
	s.enqueue(func() { s.expire(t, gen) })
}

// expire retires the timer into the free pool, then runs its job.
func (s *Scheduler) expire(t *timer, gen uint64) {
	s.mu.Lock()
	if t.gen != gen || !t.active {
		s.mu.Unlock()
		return
	}
	job := t.job
	t.retire()
	delete(s.active, t)
	s.recycleLocked(t)
	s.mu.Unlock()

	if job != nil {
		job()
	}
}

func (s *Scheduler) recycleLocked(t *timer) {
	if len(s.free) < s.maxTimers {
		s.free = append(s.free, t)
	}
}

// IsExpired reports whether the timer behind h has fired or been cancelled.
func (s *Scheduler) IsExpired(h TimerHandle) bool {
	return !s.IsActive(h)
}

// IsActive reports whether the timer behind h is still counting down.
func (s *Scheduler) IsActive(h TimerHandle) bool {
	if h.t == nil || h.s != s {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.t.gen == h.gen && h.t.active
}

// Cancel force-expires the timer behind h without running its job.
func (s *Scheduler) Cancel(h TimerHandle) {
	if h.t == nil || h.s != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.t.gen != h.gen || !h.t.active {
		return
	}
	h.t.cancel()
	delete(s.active, h.t)
	s.recycleLocked(h.t)
}
