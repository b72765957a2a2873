package streammgr

import (
	"io"

	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
)

// StreamInfo is what an input stage announces when it has opened a stream.
type StreamInfo struct {
	ID       sound.StreamID
	URL      string
	Ext      string // lower case, without the dot
	Length   int64
	Seekable bool
	Input    InputSink
}

// InputSink is the input stage as seen by the manager. Every method must
// return promptly; implementations post the work onto their own scheduler.
type InputSink interface {
	// SetStreamBuffer hands over the buffer the input produces raw bytes into.
	SetStreamBuffer(id sound.StreamID, buf *streambuf.StreamBuffer)
	// SeekStream repositions the input. The first chunk produced afterwards
	// is tagged with offset.
	SeekStream(id sound.StreamID, offset int64)
	// CloseStream releases the input side of a stream.
	CloseStream(id sound.StreamID)
}

// DecodeStream is the view of a stream a decoder works on. Reads and seeks
// address the raw input bytes.
type DecodeStream interface {
	io.ReadSeeker
	ID() sound.StreamID
	// Length is the raw length in bytes, negative when unknown.
	Length() int64
	// Opened reports the decoded format.
	Opened(d sound.Details) error
	Details() sound.Details
	// WritePCM hands interleaved little-endian PCM to the outputs.
	WritePCM(p []byte) error
	// Finish marks the end of decoding.
	Finish()
}

// DecoderSink decodes one format. Its methods run on the manager goroutine.
type DecoderSink interface {
	Name() string
	// InitStream parses the stream header and reports the format with
	// DecodeStream.Opened.
	InitStream(s DecodeStream) error
	// DecodeStep decodes a bounded amount and writes it with WritePCM.
	// It returns io.EOF, or calls Finish, at the end of the stream.
	DecodeStep(s DecodeStream) error
	// SeekDuration repositions decoding to ms from the start.
	SeekDuration(s DecodeStream, ms int64) error
	// ReleaseStream drops per-stream decoder state.
	ReleaseStream(id sound.StreamID)
}

// DecoderResolver returns the decoders able to handle an extension, best first.
type DecoderResolver interface {
	Resolve(ext string) []DecoderSink
}

// OutputSink is an output stage. Every method must return promptly;
// implementations post the work onto their own scheduler.
type OutputSink interface {
	Name() string
	// OpenStream queues a stream for playback. The output answers with
	// OutputHost.AttachOutput once its buffer is ready.
	OpenStream(d sound.Details, host OutputHost)
	UpdateTotalSamples(id sound.StreamID, total int64)
	PausePlay()
	ResumePlay()
	// ResumeClearPlay resumes playback after dropping partially played
	// data held by the output, then calls done. The manager holds decoding
	// for the stream until done has run.
	ResumeClearPlay(id sound.StreamID, done func())
	ClearPlayData(id sound.StreamID)
	// FillDrain plays silence for the configured drain interval.
	FillDrain()
	SetSeekDuration(id sound.StreamID, ms int64)
}

// OutputHost is implemented by the Manager for its outputs.
type OutputHost interface {
	AttachOutput(id sound.StreamID, output string, buf *streambuf.StreamBuffer)
	PlayFinished(id sound.StreamID, output string)
}
