package scheduler

import (
	"sync/atomic"
)

// State is the lifecycle state shared by every pipeline stage.
type State int32

const (
	Stopped State = iota
	Paused
	Playing
	Quitting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	case Quitting:
		return "quitting"
	default:
		return "unknown"
	}
}

// Stage is a pipeline component whose lifecycle transitions are applied
// between its jobs.
type Stage interface {
	Stop()
	Pause()
	Resume()
	Quit()
	State() State
}

// Hooks are stage-specific actions run on the stage scheduler right after
// the state changes. Nil hooks are skipped.
type Hooks struct {
	OnStop   func()
	OnPause  func()
	OnResume func()
	OnQuit   func()
}

// Lifecycle implements Stage by posting transitions onto a scheduler.
// Stages embed it next to their own *Scheduler.
type Lifecycle struct {
	sched *Scheduler
	state atomic.Int32
	hooks Hooks
}

// NewLifecycle returns a lifecycle in the Stopped state.
func NewLifecycle(sched *Scheduler, hooks Hooks) *Lifecycle {
	return &Lifecycle{sched: sched, hooks: hooks}
}

// State may be read from any goroutine.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Stop requests the Stopped state.
func (l *Lifecycle) Stop() {
	l.transition(Stopped, l.hooks.OnStop)
}

// Pause requests the Paused state.
func (l *Lifecycle) Pause() {
	l.transition(Paused, l.hooks.OnPause)
}

// Resume requests the Playing state.
func (l *Lifecycle) Resume() {
	l.transition(Playing, l.hooks.OnResume)
}

// Quit requests the Quitting state. Later transitions are ignored.
func (l *Lifecycle) Quit() {
	l.transition(Quitting, l.hooks.OnQuit)
}

func (l *Lifecycle) transition(to State, hook func()) {
	l.sched.Post(func() {
		if l.State() == Quitting {
			return
		}
		l.state.Store(int32(to))
		if hook != nil {
			hook()
		}
	})
}

// IsPlaying reports whether the stage is in the Playing state.
func (l *Lifecycle) IsPlaying() bool {
	return l.State() == Playing
}
