package scheduler

import (
	"time"
)

// TimerHandle identifies one arming of a pooled timer. The zero value is
// expired. A handle kept after its timer was recycled and re-armed reads as
// expired, so copies never observe another caller's schedule.
type TimerHandle struct {
	s   *Scheduler
	t   *timer
	gen uint64
}

// IsZero reports whether the handle was never assigned.
func (h TimerHandle) IsZero() bool {
	return h.t == nil
}

// Cancelled reports whether this arming was force-expired rather than fired.
func (h TimerHandle) Cancelled() bool {
	if h.t == nil || h.s == nil {
		return false
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.t.gen == h.gen && h.t.deadline.IsZero() && h.t.cancelled
}

// timer is a reusable delayed-job slot. All fields are guarded by the
// owning scheduler's mutex.
type timer struct {
	rt        *time.Timer
	gen       uint64
	job       Job
	deadline  time.Time
	active    bool
	cancelled bool
}

func (t *timer) arm(job Job, d time.Duration, fire func(*timer, uint64)) uint64 {
	t.gen++
	gen := t.gen
	t.job = job
	t.active = true
	t.cancelled = false
	t.deadline = time.Now().Add(d)
	t.rt = time.AfterFunc(d, func() { fire(t, gen) })
	return gen
}

// retire marks a normal expiry.
func (t *timer) retire() {
	t.active = false
	t.job = nil
	t.rt = nil
}

// cancel forces expiry with the zero deadline as the shutdown sentinel.
func (t *timer) cancel() {
	if t.rt != nil {
		t.rt.Stop()
	}
	t.active = false
	t.cancelled = true
	t.job = nil
	t.rt = nil
	t.deadline = time.Time{}
}
