// Package input implements the file input stage. It reads raw file bytes
// into the stream buffers handed out by the stream manager, one file at a
// time, tagging every chunk with its file offset.
package input

import (
	"context"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability/metrics"
	"github.com/atekin/mprt/internal/scheduler"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
	"github.com/atekin/mprt/internal/streammgr"
)

const (
	// DefaultMaxChunkBytes caps a single file read.
	DefaultMaxChunkBytes = 128 * 1024

	// DefaultMaxFinishedFiles is how many fully read files may wait for
	// their stream to close before reading pauses.
	DefaultMaxFinishedFiles = 3
)

// Reschedule delays, chosen by how full the data ring is.
const (
	delayFull     = time.Second
	delayBuffered = 100 * time.Millisecond
	delayHungry   = 0
	delayDefault  = time.Millisecond
)

// Config configures a FileStage.
type Config struct {
	MaxChunkBytes    int
	MaxFinishedFiles int
	MaxTimerCount    int
}

// Opener is told about every opened file. The stream manager implements it.
type Opener interface {
	StreamOpened(info streammgr.StreamInfo)
}

type fileItem struct {
	id       sound.StreamID
	path     string
	f        afero.File
	size     int64
	readPos  int64
	buf      *streambuf.StreamBuffer
	opened   bool
	finished bool
}

func (it *fileItem) close() {
	if it.f != nil {
		_ = it.f.Close()
		it.f = nil
	}
}

// FileStage is the input stage for local files.
type FileStage struct {
	*scheduler.Lifecycle

	sched   *scheduler.Scheduler
	fs      afero.Fs
	cfg     Config
	host    Opener
	log     logger.Logger
	metrics *metrics.PipelineMetrics

	files     []*fileItem // front is the one being read
	finished  []*fileItem
	readTimer scheduler.TimerHandle
	scratch   []byte
}

var _ streammgr.InputSink = (*FileStage)(nil)

// Option configures a FileStage.
type Option func(*FileStage)

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(s *FileStage) { s.log = l }
}

// WithMetrics records bytes read.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *FileStage) { s.metrics = m }
}

// NewFileStage returns a stopped stage reading from fs. The host must be
// set with SetOpener before the stage is resumed.
func NewFileStage(fs afero.Fs, cfg Config, opts ...Option) *FileStage {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.MaxFinishedFiles <= 0 {
		cfg.MaxFinishedFiles = DefaultMaxFinishedFiles
	}

	s := &FileStage{
		fs:      fs,
		cfg:     cfg,
		log:     logger.Global().Module("input"),
		scratch: make([]byte, cfg.MaxChunkBytes),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sched = scheduler.New(scheduler.Config{
		Name:          "input",
		MaxTimerCount: cfg.MaxTimerCount,
		Logger:        s.log,
		Metrics:       s.metrics,
	})
	s.Lifecycle = scheduler.NewLifecycle(s.sched, scheduler.Hooks{
		OnResume: s.tryRead,
		OnStop:   s.cancelRead,
		OnQuit:   s.closeAll,
	})
	return s
}

// SetOpener wires the stage to the stream manager.
func (s *FileStage) SetOpener(host Opener) {
	s.sched.Post(func() { s.host = host })
}

// Scheduler exposes the stage scheduler.
func (s *FileStage) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Close quits the stage and stops its scheduler.
func (s *FileStage) Close() {
	s.Quit()
	s.sched.Close()
}

// Add queues a file and returns the id its stream will carry.
func (s *FileStage) Add(path string) sound.StreamID {
	id := sound.NewStreamID()
	s.AddWithID(path, id)
	return id
}

// AddWithID queues a file under a caller-chosen id.
func (s *FileStage) AddWithID(path string, id sound.StreamID) {
	s.sched.Post(func() {
		s.files = append(s.files, &fileItem{id: id, path: path})
		s.log.Debug("file queued",
			logger.String("path", path),
			logger.Uint64("stream_id", uint64(id)))
		s.tryRead()
	})
}

// Remove drops a queued or finished file.
func (s *FileStage) Remove(id sound.StreamID) {
	s.sched.Post(func() { s.remove(id) })
}

// SetStreamBuffer implements streammgr.InputSink.
func (s *FileStage) SetStreamBuffer(id sound.StreamID, buf *streambuf.StreamBuffer) {
	s.sched.Post(func() {
		if it := s.find(s.files, id); it != nil {
			it.buf = buf
			s.cancelRead()
			s.tryRead()
		}
	})
}

// SeekStream implements streammgr.InputSink. A finished file is moved back
// to the front of the read queue.
func (s *FileStage) SeekStream(id sound.StreamID, offset int64) {
	s.sched.Post(func() { s.seek(id, offset) })
}

// CloseStream implements streammgr.InputSink.
func (s *FileStage) CloseStream(id sound.StreamID) {
	s.sched.Post(func() {
		if !s.remove(id) {
			s.log.Debug("close for unknown stream", logger.Uint64("stream_id", uint64(id)))
		}
		s.cancelRead()
		s.tryRead()
	})
}

// Pending reports queued and finished file counts. It is a synchronous
// query for tools and tests.
func (s *FileStage) Pending(ctx context.Context) (queued, finished int, err error) {
	err = s.sched.Invoke(ctx, func() {
		queued, finished = len(s.files), len(s.finished)
	})
	return queued, finished, err
}

func (s *FileStage) find(list []*fileItem, id sound.StreamID) *fileItem {
	for _, it := range list {
		if it.id == id {
			return it
		}
	}
	return nil
}

func (s *FileStage) remove(id sound.StreamID) bool {
	for _, list := range []*[]*fileItem{&s.finished, &s.files} {
		if i := slices.IndexFunc(*list, func(it *fileItem) bool { return it.id == id }); i >= 0 {
			(*list)[i].close()
			*list = slices.Delete(*list, i, i+1)
			return true
		}
	}
	return false
}

func (s *FileStage) seek(id sound.StreamID, offset int64) {
	it := s.find(s.files, id)
	if it == nil {
		if it = s.find(s.finished, id); it != nil {
			s.finished = slices.DeleteFunc(s.finished, func(f *fileItem) bool { return f == it })
			s.files = append([]*fileItem{it}, s.files...)
		}
	} else if s.files[0] != it {
		s.files = slices.DeleteFunc(s.files, func(f *fileItem) bool { return f == it })
		s.files = append([]*fileItem{it}, s.files...)
	}
	if it == nil || it.f == nil {
		s.log.Warn("seek for unknown stream",
			logger.Uint64("stream_id", uint64(id)),
			logger.Int64("offset", offset))
		return
	}

	if it.buf != nil {
		it.buf.ClearCache()
	}
	if _, err := it.f.Seek(offset, io.SeekStart); err != nil {
		s.log.Error("file seek failed",
			logger.String("path", it.path),
			logger.Int64("offset", offset),
			logger.Error(err))
		return
	}
	it.readPos = offset
	it.finished = false
	s.log.Debug("file seek",
		logger.Uint64("stream_id", uint64(id)),
		logger.Int64("offset", offset))

	s.cancelRead()
	s.tryRead()
}

func (s *FileStage) cancelRead() {
	s.sched.Cancel(s.readTimer)
}

func (s *FileStage) closeAll() {
	s.cancelRead()
	for _, it := range append(s.files, s.finished...) {
		it.close()
	}
	s.files, s.finished = nil, nil
}

// open opens the front file and announces it. A file that cannot be
// opened is dropped.
func (s *FileStage) open(it *fileItem) bool {
	fail := func(err error) bool {
		s.log.Error("cannot open file",
			logger.String("path", it.path),
			logger.Error(errors.New(err).
				Component("input").
				Category(errors.CategoryFileIO).
				Context("path", it.path).
				Build()))
		s.files = slices.DeleteFunc(s.files, func(f *fileItem) bool { return f == it })
		return false
	}

	info, err := s.fs.Stat(it.path)
	if err != nil {
		return fail(err)
	}
	if info.IsDir() {
		return fail(errors.NewStd("path is a directory"))
	}
	f, err := s.fs.Open(it.path)
	if err != nil {
		return fail(err)
	}
	it.f = f
	it.size = info.Size()
	it.opened = true

	if s.host != nil {
		s.host.StreamOpened(streammgr.StreamInfo{
			ID:       it.id,
			URL:      it.path,
			Ext:      strings.ToLower(strings.TrimPrefix(filepath.Ext(it.path), ".")),
			Length:   it.size,
			Seekable: true,
			Input:    s,
		})
	}
	s.log.Info("file opened",
		logger.String("path", it.path),
		logger.Uint64("stream_id", uint64(it.id)),
		logger.Int64("size", it.size))
	return true
}

// tryRead reads one block of the front file and schedules itself again
// with a delay that depends on how full the consumer side is.
func (s *FileStage) tryRead() {
	if !s.IsPlaying() || len(s.files) == 0 || s.sched.IsActive(s.readTimer) {
		return
	}

	delay := delayDefault
	defer func() {
		if len(s.files) > 0 && !s.sched.IsActive(s.readTimer) {
			s.readTimer = s.sched.PostAfter(s.tryRead, delay)
		}
	}()

	if len(s.finished) >= s.cfg.MaxFinishedFiles {
		delay = delayFull
		return
	}

	it := s.files[0]
	if !it.opened && !s.open(it) {
		return
	}
	if it.buf == nil {
		// waiting for the manager to hand over a buffer
		delay = delayBuffered
		return
	}

	c := it.buf.AcquireProducerChunk()
	if c == nil || c.Free() == 0 {
		it.buf.ReleaseProducerChunk(false)
		delay = delayFull
		return
	}
	if c.IsEmpty() {
		c.SetOffset(it.readPos)
	}

	want := min(s.cfg.MaxChunkBytes, c.Free())
	n, err := it.f.Read(s.scratch[:want])
	if n > 0 {
		w, _ := c.Write(s.scratch[:n])
		it.readPos += int64(w)
		s.metrics.RecordBytesRead("file", w)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Error("file read failed",
			logger.String("path", it.path),
			logger.Int64("position", it.readPos),
			logger.Error(err))
	}
	it.finished = it.readPos >= it.size || err != nil
	it.buf.ReleaseProducerChunk(it.finished)

	switch free := it.buf.ChunkCount() - it.buf.DataSize(); {
	case free <= 2:
		delay = delayFull
	case it.buf.DataSize() > 2:
		delay = delayBuffered
	default:
		delay = delayHungry
	}

	if it.finished {
		s.files = s.files[1:]
		s.finished = append(s.finished, it)
		s.log.Debug("file read completely",
			logger.String("path", it.path),
			logger.Int64("bytes", it.readPos))
		delay = delayHungry
	}
}
