package errors

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.Nil(t, ee.GetContext())
}

func TestBuildWrapsCause(t *testing.T) {
	t.Parallel()

	err := New(io.ErrUnexpectedEOF).
		Component("streammgr").
		Category(CategoryTimeout).
		Context("stream_id", uint64(7)).
		Build()

	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "streammgr", err.GetComponent())
	assert.Equal(t, uint64(7), err.GetContext()["stream_id"])

	wrapped := fmt.Errorf("seek: %w", err)
	assert.True(t, IsCategory(wrapped, CategoryTimeout))
}

func TestBuildTiming(t *testing.T) {
	t.Parallel()

	err := New(io.ErrNoProgress).
		Category(CategoryTimeout).
		Timing("seek", 1500*time.Millisecond).
		Build()

	assert.Equal(t, "seek", err.GetContext()["operation"])
	assert.Equal(t, int64(1500), err.GetContext()["duration_ms"])
}

func TestIsMatchesCategory(t *testing.T) {
	t.Parallel()

	a := Newf("first").Category(CategoryDecode).Build()
	b := Newf("second").Category(CategoryDecode).Build()
	c := Newf("third").Category(CategoryInput).Build()

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		absent  string
		present string
	}{
		{"query string", "fetch https://example.com/a.mp3?token=abc failed", "abc", "[REDACTED]"},
		{"api key", "bad api_key=secret123", "secret123", "[REDACTED]"},
		{"home dir", "open /home/alice/music/a.flac: denied", "alice", "/home/[USER]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := scrubMessage(tt.in)
			assert.NotContains(t, out, tt.absent)
			assert.Contains(t, out, tt.present)
		})
	}
}

type countingReporter struct {
	n atomic.Int32
}

func (c *countingReporter) ReportError(*EnhancedError) { c.n.Add(1) }
func (c *countingReporter) IsEnabled() bool            { return true }

// Not parallel: swaps the global reporter.
func TestBuildReportsWhenActive(t *testing.T) {
	r := &countingReporter{}
	SetTelemetryReporter(r)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	_ = New(fmt.Errorf("boom")).Category(CategoryDecode).Build()
	assert.Equal(t, int32(1), r.n.Load())

	SetTelemetryReporter(nil)
	_ = New(fmt.Errorf("boom")).Build()
	assert.Equal(t, int32(1), r.n.Load())
}

func TestSentryReporterDedup(t *testing.T) {
	t.Parallel()

	sr := NewSentryReporter(true, time.Minute)
	assert.True(t, sr.allow("k"))
	assert.False(t, sr.allow("k"))
	assert.True(t, sr.allow("other"))
}
