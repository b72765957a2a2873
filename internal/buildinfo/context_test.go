package buildinfo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		ctx         *Context
		wantVersion string
		wantDate    string
	}{
		{name: "nil context", ctx: nil, wantVersion: UnknownValue, wantDate: UnknownValue},
		{name: "empty values", ctx: &Context{}, wantVersion: UnknownValue, wantDate: UnknownValue},
		{name: "injected values", ctx: NewContext("1.0.0", "2026-01-01"), wantVersion: "1.0.0", wantDate: "2026-01-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantVersion, tt.ctx.GetVersion())
			assert.Equal(t, tt.wantDate, tt.ctx.GetBuildDate())
		})
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	a, b := NewContext("", ""), NewContext("", "")
	_, err := uuid.Parse(a.GetSessionID())
	require.NoError(t, err)
	assert.NotEqual(t, a.GetSessionID(), b.GetSessionID())

	var nilCtx *Context
	assert.Equal(t, UnknownValue, nilCtx.GetSessionID())

	var _ BuildInfo = a
}
