// Package output implements the output stage: it plays the decoded PCM
// the stream manager writes into per-stream buffers through a Device.
package output

import (
	"sync"
	"time"

	"github.com/atekin/mprt/internal/sound"
)

// Device is a PCM sink. Write accepts whole frames of the format given to
// the last Open and may accept fewer bytes than offered when it is full.
type Device interface {
	Name() string
	Open(d sound.Details) error
	Write(p []byte) (int, error)
	Pause() error
	Resume() error
	// Clear drops audio queued on the device but not yet played.
	Clear()
	Close() error
}

// NullDevice discards everything. In real-time mode it accepts audio no
// faster than it would be played, with one latency period of headroom.
type NullDevice struct {
	mu       sync.Mutex
	realtime bool
	latency  time.Duration
	now      func() time.Time

	format  sound.Details
	start   time.Time
	paced   int64 // bytes accepted since start
	written int64
	paused  bool
}

// NewNullDevice returns a discarding device.
func NewNullDevice(realtime bool) *NullDevice {
	return &NullDevice{realtime: realtime, latency: DefaultDeviceLatency, now: time.Now}
}

func (n *NullDevice) Name() string { return "null" }

func (n *NullDevice) Open(d sound.Details) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.format = d
	n.restartLocked()
	return nil
}

func (n *NullDevice) Write(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.paused {
		return 0, nil
	}
	accept := len(p)
	if n.realtime && n.format.Valid() {
		fb := n.format.FrameBytes()
		allowed := n.format.DurationToBytes(n.now().Sub(n.start)+n.latency) - n.paced
		allowed -= allowed % int64(fb)
		accept = int(max(0, min(int64(accept), allowed)))
	}
	n.paced += int64(accept)
	n.written += int64(accept)
	return accept, nil
}

func (n *NullDevice) Pause() error {
	n.mu.Lock()
	n.paused = true
	n.mu.Unlock()
	return nil
}

func (n *NullDevice) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.paused {
		n.paused = false
		n.restartLocked()
	}
	return nil
}

func (n *NullDevice) Clear() {
	n.mu.Lock()
	n.restartLocked()
	n.mu.Unlock()
}

func (n *NullDevice) Close() error { return nil }

func (n *NullDevice) restartLocked() {
	n.start = n.now()
	n.paced = 0
}

// Written returns the byte count accepted so far.
func (n *NullDevice) Written() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.written
}
