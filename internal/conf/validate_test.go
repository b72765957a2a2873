package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr string
	}{
		{name: "defaults are valid", modify: func(*Settings) {}},
		{
			name:    "unknown log level",
			modify:  func(s *Settings) { s.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "capacity below chunk size",
			modify:  func(s *Settings) { s.Buffer.CapacityBytes = 10 },
			wantErr: "buffer.capacitybytes",
		},
		{
			name:    "zero wait interval",
			modify:  func(s *Settings) { s.Manager.WaitInterval = 0 },
			wantErr: "manager.waitinterval",
		},
		{
			name:    "zero finished ttl",
			modify:  func(s *Settings) { s.Manager.FinishedTTL = 0 },
			wantErr: "manager.finishedttl",
		},
		{
			name:    "no input chunk size",
			modify:  func(s *Settings) { s.Input.MaxChunkBytes = 0 },
			wantErr: "input.maxchunkbytes",
		},
		{
			name: "wav device without path",
			modify: func(s *Settings) {
				s.Output.Device = DeviceWAV
				s.Output.Path = " "
			},
			wantErr: "output.path",
		},
		{
			name:    "volume out of range",
			modify:  func(s *Settings) { s.Output.Volume = -1 },
			wantErr: "output.volume",
		},
		{
			name:    "drain longer than buffer",
			modify:  func(s *Settings) { s.Output.DrainDuration = 2 * time.Second },
			wantErr: "output.drainduration",
		},
		{
			name:    "telemetry without dsn",
			modify:  func(s *Settings) { s.Telemetry.Enabled = true },
			wantErr: "telemetry.dsn",
		},
		{
			name: "metrics listen address",
			modify: func(s *Settings) {
				s.Metrics.Enabled = true
				s.Metrics.Listen = "9464"
			},
			wantErr: "metrics.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := Defaults()
			tt.modify(s)
			err := ValidateSettings(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Len(t, ve.Errors, 1)
			assert.Contains(t, ve.Errors[0], tt.wantErr)
		})
	}
}
