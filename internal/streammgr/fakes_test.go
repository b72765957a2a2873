package streammgr

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
)

// fakeInput records calls and optionally refills the buffer on seek.
type fakeInput struct {
	mu     sync.Mutex
	data   []byte
	chunk  int
	bufs   map[sound.StreamID]*streambuf.StreamBuffer
	seeks  []int64
	closed []sound.StreamID
	onSeek bool  // refill the buffer from the seek offset
	stale  int64 // if set, a chunk read from here lands before the refill

	wg   sync.WaitGroup
	stop chan struct{}
}

func newFakeInput(t *testing.T, data []byte) *fakeInput {
	f := &fakeInput{
		data:  data,
		chunk: 256,
		bufs:  map[sound.StreamID]*streambuf.StreamBuffer{},
		stop:  make(chan struct{}),
	}
	t.Cleanup(func() {
		close(f.stop)
		f.wg.Wait()
	})
	return f
}

func (f *fakeInput) buffer(id sound.StreamID) *streambuf.StreamBuffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bufs[id]
}

// produceAsync runs produce on its own goroutine.
func (f *fakeInput) produceAsync(buf *streambuf.StreamBuffer, from int64) {
	f.produceAfter(buf, from, 0)
}

// produceAfter is produceAsync preceded by one chunk read from stale, as an
// input that applies a seek late would deliver.
func (f *fakeInput) produceAfter(buf *streambuf.StreamBuffer, from, stale int64) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if stale > 0 {
			f.produce(buf, stale, stale+int64(f.chunk))
		}
		f.produce(buf, from, int64(len(f.data)))
	}()
}

func (f *fakeInput) SetStreamBuffer(id sound.StreamID, buf *streambuf.StreamBuffer) {
	f.mu.Lock()
	f.bufs[id] = buf
	f.mu.Unlock()
}

func (f *fakeInput) SeekStream(id sound.StreamID, offset int64) {
	f.mu.Lock()
	f.seeks = append(f.seeks, offset)
	buf, refill, stale := f.bufs[id], f.onSeek, f.stale
	f.mu.Unlock()
	if refill && buf != nil {
		f.produceAfter(buf, offset, stale)
	}
}

func (f *fakeInput) CloseStream(id sound.StreamID) {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
}

func (f *fakeInput) seekCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.seeks...)
}

func (f *fakeInput) closedIDs() []sound.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sound.StreamID(nil), f.closed...)
}

// produce writes data[from:to] into buf in tagged chunks, waiting for room,
// until done or the deadline.
func (f *fakeInput) produce(buf *streambuf.StreamBuffer, from, to int64) {
	deadline := time.Now().Add(2 * time.Second)
	pos := from
	for pos < to && time.Now().Before(deadline) {
		select {
		case <-f.stop:
			return
		default:
		}
		c := buf.AcquireProducerChunk()
		if c == nil || c.Free() == 0 {
			buf.ReleaseProducerChunk(false)
			time.Sleep(time.Millisecond)
			continue
		}
		if c.IsEmpty() {
			c.SetOffset(pos)
		}
		end := min(pos+int64(f.chunk), to)
		n, _ := c.Write(f.data[pos:end])
		pos += int64(n)
		buf.ReleaseProducerChunk(true)
	}
}

// fakeDecoder copies raw input straight to the outputs as 16-bit stereo.
type fakeDecoder struct {
	mu       sync.Mutex
	name     string
	initErr  error
	stepErr  error // returned by every decode step after writing
	steps    int
	seekMS   []int64
	released []sound.StreamID
	// bytesPerMS converts a duration seek into a byte seek.
	bytesPerMS int64
	details    sound.Details
}

func newFakeDecoder(name string) *fakeDecoder {
	return &fakeDecoder{
		name:       name,
		bytesPerMS: 4,
		details:    sound.Details{Channels: 2, SampleRate: 1000, BitsPerSample: 16, TotalSamples: 1000},
	}
}

func (d *fakeDecoder) Name() string { return d.name }

func (d *fakeDecoder) InitStream(s DecodeStream) error {
	if d.initErr != nil {
		return d.initErr
	}
	return s.Opened(d.details)
}

func (d *fakeDecoder) DecodeStep(s DecodeStream) error {
	d.mu.Lock()
	d.steps++
	d.mu.Unlock()

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if n > 0 {
		if werr := s.WritePCM(buf[:n]); werr != nil {
			return werr
		}
	}
	if d.stepErr != nil {
		return d.stepErr
	}
	return err
}

func (d *fakeDecoder) SeekDuration(s DecodeStream, ms int64) error {
	d.mu.Lock()
	d.seekMS = append(d.seekMS, ms)
	d.mu.Unlock()
	_, err := s.Seek(ms*d.bytesPerMS, io.SeekStart)
	return err
}

func (d *fakeDecoder) ReleaseStream(id sound.StreamID) {
	d.mu.Lock()
	d.released = append(d.released, id)
	d.mu.Unlock()
}

func (d *fakeDecoder) stepCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.steps
}

func (d *fakeDecoder) releasedIDs() []sound.StreamID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sound.StreamID(nil), d.released...)
}

type resolver []DecoderSink

func (r resolver) Resolve(string) []DecoderSink { return r }

// fakeOutput attaches a buffer on open and records the control calls.
type fakeOutput struct {
	mu     sync.Mutex
	name   string
	buf    *streambuf.StreamBuffer
	attach bool
	calls  []string
	totals map[sound.StreamID]int64
	opened []sound.Details

	positions  map[sound.StreamID]int64
	holdResume bool
	held       []func()
}

func newFakeOutput(name string, cfg streambuf.Config) *fakeOutput {
	return &fakeOutput{
		name:   name,
		buf:    streambuf.New(cfg),
		attach: true,
		totals: map[sound.StreamID]int64{},

		positions: map[sound.StreamID]int64{},
	}
}

func (o *fakeOutput) record(call string) {
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
}

func (o *fakeOutput) Name() string { return o.name }

func (o *fakeOutput) OpenStream(d sound.Details, host OutputHost) {
	o.mu.Lock()
	o.opened = append(o.opened, d)
	attach := o.attach
	o.mu.Unlock()
	if attach {
		host.AttachOutput(d.ID, o.name, o.buf)
	}
}

func (o *fakeOutput) UpdateTotalSamples(id sound.StreamID, total int64) {
	o.mu.Lock()
	o.totals[id] = total
	o.mu.Unlock()
}

func (o *fakeOutput) PausePlay()                   { o.record("pause") }
func (o *fakeOutput) ResumePlay()                  { o.record("resume") }
func (o *fakeOutput) ClearPlayData(sound.StreamID) { o.record("clear") }
func (o *fakeOutput) FillDrain()                   { o.record("drain") }
func (o *fakeOutput) SetSeekDuration(id sound.StreamID, ms int64) {
	o.mu.Lock()
	o.positions[id] = ms
	o.mu.Unlock()
	o.record("set_position")
}

func (o *fakeOutput) ResumeClearPlay(_ sound.StreamID, done func()) {
	o.record("resume_clear")
	o.mu.Lock()
	hold := o.holdResume
	if hold {
		o.held = append(o.held, done)
	}
	o.mu.Unlock()
	if !hold {
		done()
	}
}

// release runs the resume acknowledgements held back by holdResume.
func (o *fakeOutput) release() {
	o.mu.Lock()
	held := o.held
	o.held, o.holdResume = nil, false
	o.mu.Unlock()
	for _, done := range held {
		done()
	}
}

func (o *fakeOutput) position(id sound.StreamID) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.positions[id]
	return v, ok
}

func (o *fakeOutput) callLog() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *fakeOutput) total(id sound.StreamID) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.totals[id]
	return v, ok
}
