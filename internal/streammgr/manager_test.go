package streammgr

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
)

var (
	bigOutput   = streambuf.Config{CapacityBytes: 64 << 10, ChunkBytes: 4 << 10}
	smallOutput = streambuf.Config{CapacityBytes: 1000, ChunkBytes: 256}
)

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type harness struct {
	m   *Manager
	in  *fakeInput
	dec *fakeDecoder
	out *fakeOutput

	finished chan sound.StreamID
	played   chan sound.StreamID
	sought   chan int64
}

func newHarness(t *testing.T, data []byte, outCfg streambuf.Config, tune func(*Config), decoders ...DecoderSink) *harness {
	t.Helper()

	h := &harness{
		in:       newFakeInput(t, data),
		dec:      newFakeDecoder("fake"),
		out:      newFakeOutput("out", outCfg),
		finished: make(chan sound.StreamID, 8),
		played:   make(chan sound.StreamID, 8),
		sought:   make(chan int64, 8),
	}
	if len(decoders) == 0 {
		decoders = []DecoderSink{h.dec}
	}

	cfg := Config{
		OutputRetryDelay: 100 * time.Millisecond,
		StarveBackoff:    time.Second,
		Wait:             streambuf.Wait{Interval: 10 * time.Millisecond, Retries: 5},
		FinishedTTL:      time.Minute,
		InputBuffer:      streambuf.Config{CapacityBytes: 1024, ChunkBytes: 256},
		MaxCacheCount:    2,
	}
	if tune != nil {
		tune(&cfg)
	}

	h.m = New(cfg, resolver(decoders), []OutputSink{h.out},
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError)),
		WithCallbacks(Callbacks{
			OnStreamFinished: func(id sound.StreamID) { h.finished <- id },
			OnPlayFinished:   func(id sound.StreamID) { h.played <- id },
			OnSeekFinished:   func(_ sound.StreamID, ms int64) { h.sought <- ms },
		}))
	t.Cleanup(h.m.Close)
	require.Eventually(t, h.m.Scheduler().IsReady, time.Second, time.Millisecond)
	return h
}

// open announces a stream backed by the fake input and waits until the
// input has its buffer.
func (h *harness) open(t *testing.T, length int64) sound.StreamID {
	t.Helper()
	id := sound.NewStreamID()
	h.m.StreamOpened(StreamInfo{
		ID:       id,
		URL:      "mem://test",
		Ext:      "raw",
		Length:   length,
		Seekable: true,
		Input:    h.in,
	})
	require.Eventually(t, func() bool { return h.in.buffer(id) != nil }, time.Second, time.Millisecond)
	return id
}

// on runs fn on the manager goroutine.
func (h *harness) on(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.m.Scheduler().Invoke(ctx, fn))
}

// query is on for Eventually conditions.
func (h *harness) query(fn func()) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.m.Scheduler().Invoke(ctx, fn) == nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		require.FailNow(t, "timed out waiting for notification")
	}
	var zero T
	return zero
}

// fillAllChunks rotates every chunk of buf into its data ring.
func fillAllChunks(t *testing.T, buf *streambuf.StreamBuffer) {
	t.Helper()
	for {
		c := buf.AcquireProducerChunk()
		if c == nil {
			break
		}
		n, _ := c.Write(make([]byte, 200))
		buf.ReleaseProducerChunk(true)
		if n == 0 {
			break
		}
	}
	require.True(t, buf.IsCacheEmpty())
}

func TestAdvanceBacksOffWhenOutputCacheIsEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testData(4096), smallOutput, nil)
	fillAllChunks(t, h.out.buf)

	id := h.open(t, 4096)
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	require.Eventually(t, func() bool {
		var attached, armed bool
		var delay time.Duration
		ok := h.query(func() {
			c := h.m.current()
			attached = c != nil && len(c.outputs) == 1
			armed = h.m.sched.IsActive(h.m.retry)
			delay = h.m.retryDelay
		})
		return ok && attached && armed && delay >= time.Second
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, h.dec.stepCount(), "no decode step while the output has no free chunk")
}

func TestAdvanceWaitsForAnOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testData(4096), bigOutput, nil)
	h.out.attach = false

	id := h.open(t, 4096)
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	require.Eventually(t, func() bool {
		var armed bool
		var delay time.Duration
		ok := h.query(func() {
			armed = h.m.sched.IsActive(h.m.retry)
			delay = h.m.retryDelay
		})
		return ok && armed && delay == 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.dec.stepCount())
}

func TestSeekDurationWithinResidentData(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	h.m.SeekDuration(id, 100) // 400 bytes
	assert.EqualValues(t, 100, receive(t, h.sought))
	assert.Empty(t, h.in.seekCalls(), "resident data must not reach the input")

	var pos int64
	var got []byte
	var readErr error
	h.on(t, func() {
		c := h.m.lookup(id)
		pos = c.pos
		p := make([]byte, 16)
		n, err := c.stream.Read(p)
		got, readErr = p[:n], err
	})
	assert.EqualValues(t, 400, pos)
	require.NoError(t, readErr)
	assert.Equal(t, data[400:416], got)
}

func TestByteSeekBackwardUsesLastRead(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	var got []byte
	var pos int64
	var seekErr, readErr error
	h.on(t, func() {
		s := h.m.lookup(id).stream
		first := make([]byte, 100)
		if _, readErr = io.ReadFull(s, first); readErr != nil {
			return
		}
		if pos, seekErr = s.Seek(-40, io.SeekCurrent); seekErr != nil {
			return
		}
		p := make([]byte, 10)
		n, err := s.Read(p)
		got, readErr = p[:n], err
	})

	require.NoError(t, seekErr)
	require.NoError(t, readErr)
	assert.EqualValues(t, 60, pos)
	assert.Equal(t, data[60:70], got)
	assert.Empty(t, h.in.seekCalls())
}

func TestByteSeekOutsideBufferAsksInput(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	h.in.onSeek = true
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	var got []byte
	var pos int64
	var seekErr, readErr error
	h.on(t, func() {
		s := h.m.lookup(id).stream
		if pos, seekErr = s.Seek(3000, io.SeekStart); seekErr != nil {
			return
		}
		p := make([]byte, 8)
		n, err := s.Read(p)
		got, readErr = p[:n], err
	})

	require.NoError(t, seekErr)
	require.NoError(t, readErr)
	assert.EqualValues(t, 3000, pos)
	assert.Equal(t, data[3000:3008], got)
	assert.Equal(t, []int64{3000}, h.in.seekCalls())
}

func TestByteSeekSkipsChunksReadBeforeTheSeek(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	h.in.onSeek = true
	// a chunk covering the target arrives ahead of the repositioned data
	h.in.stale = 2816
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	var got []byte
	var seekErr, readErr error
	h.on(t, func() {
		s := h.m.lookup(id).stream
		if _, seekErr = s.Seek(3000, io.SeekStart); seekErr != nil {
			return
		}
		got = make([]byte, 300)
		_, readErr = io.ReadFull(s, got)
	})

	require.NoError(t, seekErr)
	require.NoError(t, readErr)
	assert.Equal(t, data[3000:3300], got)
}

func TestByteSeekTimesOut(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	var pos int64
	var seekErr error
	h.on(t, func() {
		pos, seekErr = h.m.lookup(id).stream.Seek(3000, io.SeekStart)
	})

	require.Error(t, seekErr)
	assert.ErrorIs(t, seekErr, ErrSeekTimeout)
	assert.True(t, errors.IsTimeout(seekErr))
	assert.Zero(t, pos)

	var ee *errors.EnhancedError
	require.True(t, errors.As(seekErr, &ee))
	assert.Equal(t, "seek", ee.GetContext()["operation"])
	assert.Contains(t, ee.GetContext(), "duration_ms")
}

func TestByteSeekOutOfRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testData(100), bigOutput, nil)
	id := h.open(t, 100)

	var err error
	h.on(t, func() {
		_, err = h.m.lookup(id).stream.Seek(101, io.SeekStart)
	})
	assert.ErrorIs(t, err, ErrSeekRange)
	assert.Empty(t, h.in.seekCalls())
}

func TestFinishCorrectsTotalAndWaitsForPlayback(t *testing.T) {
	t.Parallel()

	data := testData(1000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))

	// 1000 bytes of 16-bit stereo
	total, ok := h.out.total(id)
	require.True(t, ok)
	assert.EqualValues(t, 250, total)
	assert.Equal(t, 1000, h.out.buf.TotalBytes())
	assert.False(t, h.out.buf.IsDataEmpty(), "partial chunk synced at finish")

	ids, err := h.m.ActiveIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, h.in.closedIDs(), "released only after playback")

	h.m.PlayFinished(id, "out")
	assert.Equal(t, id, receive(t, h.played))
	assert.Contains(t, h.in.closedIDs(), id)
	assert.Contains(t, h.dec.releasedIDs(), id)
}

func TestFinishedStreamsExpire(t *testing.T) {
	t.Parallel()

	data := testData(512)
	h := newHarness(t, data, bigOutput, func(c *Config) { c.FinishedTTL = 50 * time.Millisecond })
	id := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))
	assert.Equal(t, id, receive(t, h.played))
	assert.Contains(t, h.in.closedIDs(), id)
}

func TestDecoderFallback(t *testing.T) {
	t.Parallel()

	broken := newFakeDecoder("broken")
	broken.initErr = errors.NewStd("bad header")
	good := newFakeDecoder("good")

	data := testData(600)
	h := newHarness(t, data, bigOutput, nil, broken, good)
	id := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))
	assert.Zero(t, broken.stepCount())
	assert.Positive(t, good.stepCount())
	assert.Contains(t, broken.releasedIDs(), id)
}

func TestNoDecoderReleasesStream(t *testing.T) {
	t.Parallel()

	broken := newFakeDecoder("broken")
	broken.initErr = errors.NewStd("bad header")

	h := newHarness(t, testData(600), bigOutput, nil, broken)
	id := h.open(t, 600)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))
	assert.Equal(t, id, receive(t, h.played))
	assert.Contains(t, h.in.closedIDs(), id)
	assert.Empty(t, h.out.opened, "outputs only see accepted streams")
}

func TestSeekDurationDrivesOutputs(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	// the first seek initializes the decoder, which attaches the output
	h.m.SeekDuration(id, 0)
	receive(t, h.sought)
	require.Eventually(t, func() bool {
		var n int
		return h.query(func() { n = len(h.m.lookup(id).outputs) }) && n == 1
	}, time.Second, time.Millisecond)

	h.m.SeekDuration(id, 10)
	assert.EqualValues(t, 10, receive(t, h.sought))

	// the output attached after the first seek and was told its position
	assert.Equal(t, []string{"set_position", "pause", "clear", "drain", "set_position", "resume_clear"}, h.out.callLog())
	ms, ok := h.out.position(id)
	require.True(t, ok)
	assert.EqualValues(t, 10, ms)

	var written, pos int64
	h.on(t, func() {
		c := h.m.lookup(id)
		written, pos = c.written, c.pos
	})
	assert.EqualValues(t, 10, written)
	assert.EqualValues(t, 40, pos)
	assert.Equal(t, []int64{0, 10}, h.dec.seekMS)
}

func TestSeekBeforeAttachReachesOutput(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	h.in.onSeek = true
	id := h.open(t, int64(len(data)))

	h.m.SeekDuration(id, 100)
	assert.EqualValues(t, 100, receive(t, h.sought))

	require.Eventually(t, func() bool {
		ms, ok := h.out.position(id)
		return ok && ms == 100
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int64{400}, h.in.seekCalls())
}

func TestDecodingWaitsForSeekAcknowledgement(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	id := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(id), 0, 1024)

	h.m.SeekDuration(id, 0)
	receive(t, h.sought)
	require.Eventually(t, func() bool {
		var n int
		return h.query(func() { n = len(h.m.lookup(id).outputs) }) && n == 1
	}, time.Second, time.Millisecond)

	h.out.mu.Lock()
	h.out.holdResume = true
	h.out.mu.Unlock()

	h.m.SeekDuration(id, 10)
	receive(t, h.sought)
	h.m.Resume()

	var resuming int
	h.on(t, func() { resuming = h.m.lookup(id).resuming })
	assert.Equal(t, 1, resuming)
	require.Never(t, func() bool { return h.dec.stepCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.out.release()
	require.Eventually(t, func() bool { return h.dec.stepCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	h.on(t, func() { resuming = h.m.lookup(id).resuming })
	assert.Zero(t, resuming)
}

func TestSeekDurationMovesQueuedStreamToFront(t *testing.T) {
	t.Parallel()

	data := testData(4000)
	h := newHarness(t, data, bigOutput, nil)
	first := h.open(t, int64(len(data)))
	second := h.open(t, int64(len(data)))
	h.in.produce(h.in.buffer(second), 0, 1024)

	ids, err := h.m.ActiveIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []sound.StreamID{first, second}, ids)

	h.m.SeekDuration(second, 10)
	assert.EqualValues(t, 10, receive(t, h.sought))

	ids, err = h.m.ActiveIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []sound.StreamID{second, first}, ids)
	assert.Equal(t, []int64{10}, h.dec.seekMS)
	assert.Empty(t, h.in.seekCalls(), "target was resident")
}

func TestDecodeErrorFinishesStream(t *testing.T) {
	t.Parallel()

	broken := newFakeDecoder("broken")
	broken.stepErr = errors.NewStd("corrupt frame")

	data := testData(1000)
	h := newHarness(t, data, bigOutput, nil, broken)
	id := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))
	assert.Equal(t, 1, broken.stepCount())

	// the samples written before the error are the total
	total, ok := h.out.total(id)
	require.True(t, ok)
	assert.EqualValues(t, 16, total)
}

func TestStreamsFinishInOrder(t *testing.T) {
	t.Parallel()

	data := testData(1000)
	h := newHarness(t, data, bigOutput, nil)
	first := h.open(t, int64(len(data)))
	second := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(first), 0)
	h.in.produceAsync(h.in.buffer(second), 0)
	h.m.Resume()

	assert.Equal(t, first, receive(t, h.finished))
	assert.Equal(t, second, receive(t, h.finished))

	for _, id := range []sound.StreamID{first, second} {
		total, ok := h.out.total(id)
		require.True(t, ok)
		assert.EqualValues(t, 250, total)
	}
}

func TestSeekDurationRevivesFinishedStream(t *testing.T) {
	t.Parallel()

	data := testData(1000)
	h := newHarness(t, data, bigOutput, nil)
	h.in.onSeek = true
	id := h.open(t, int64(len(data)))
	h.in.produceAsync(h.in.buffer(id), 0)
	h.m.Resume()

	assert.Equal(t, id, receive(t, h.finished))

	h.m.SeekDuration(id, 0)
	assert.EqualValues(t, 0, receive(t, h.sought))
	assert.Equal(t, []int64{0}, h.in.seekCalls())

	// decoding runs to the end a second time
	assert.Equal(t, id, receive(t, h.finished))
	select {
	case <-h.played:
		t.Fatal("revived stream must not be released")
	default:
	}
}

func TestRemoveReleasesActiveStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testData(100), bigOutput, nil)
	id := h.open(t, 100)

	h.m.Remove(id)
	assert.Equal(t, id, receive(t, h.played))
	assert.Contains(t, h.in.closedIDs(), id)

	ids, err := h.m.ActiveIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
