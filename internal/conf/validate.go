// validate.go: settings validation
package conf

import (
	"fmt"
	"net"
	"strings"
)

// Output device names.
const (
	DeviceMalgo = "malgo"
	DeviceWAV   = "wav"
	DeviceNull  = "null"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

func isKnownDevice(name string) bool {
	switch name {
	case DeviceMalgo, DeviceWAV, DeviceNull:
		return true
	}
	return false
}

// ValidateSettings checks every settings group and reports all problems at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	for _, check := range []func(*Settings) []string{
		validateLogSettings,
		validateBufferSettings,
		validateManagerSettings,
		validateInputSettings,
		validateOutputSettings,
		validateTelemetrySettings,
		validateMetricsSettings,
	} {
		ve.Errors = append(ve.Errors, check(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateLogSettings(s *Settings) []string {
	if err := validateEnvLogLevel(s.Log.Level); err != nil {
		return []string{fmt.Sprintf("log.level: %q is not one of trace, debug, info, warn, error", s.Log.Level)}
	}
	return nil
}

func validateBufferSettings(s *Settings) []string {
	var errs []string
	b := s.Buffer
	if b.ChunkBytes <= 0 {
		errs = append(errs, "buffer.chunkbytes must be positive")
	}
	if b.CapacityBytes < b.ChunkBytes {
		errs = append(errs, "buffer.capacitybytes must be at least buffer.chunkbytes")
	}
	if b.MaxCacheCount < 0 {
		errs = append(errs, "buffer.maxcachecount must not be negative")
	}
	if s.Scheduler.MaxTimerCount < 0 {
		errs = append(errs, "scheduler.maxtimercount must not be negative")
	}
	return errs
}

func validateManagerSettings(s *Settings) []string {
	var errs []string
	m := s.Manager
	if m.RetryDelay <= 0 || m.StarveBackoff <= 0 {
		errs = append(errs, "manager.retrydelay and manager.starvebackoff must be positive")
	}
	if m.WaitInterval <= 0 || m.WaitRetries <= 0 {
		errs = append(errs, "manager.waitinterval and manager.waitretries must be positive")
	}
	if m.FinishedTTL <= 0 {
		errs = append(errs, "manager.finishedttl must be positive")
	}
	return errs
}

func validateInputSettings(s *Settings) []string {
	var errs []string
	if s.Input.MaxChunkBytes <= 0 {
		errs = append(errs, "input.maxchunkbytes must be positive")
	}
	if s.Input.MaxFinishedFiles <= 0 {
		errs = append(errs, "input.maxfinishedfiles must be positive")
	}
	return errs
}

func validateOutputSettings(s *Settings) []string {
	var errs []string
	o := s.Output
	if !isKnownDevice(o.Device) {
		errs = append(errs, fmt.Sprintf("output.device: unknown device %q", o.Device))
	}
	if o.Device == DeviceWAV && strings.TrimSpace(o.Path) == "" {
		errs = append(errs, "output.path is required for the wav device")
	}
	if o.Volume < 0 || o.Volume > 200 {
		errs = append(errs, fmt.Sprintf("output.volume must be between 0 and 200, got %d", o.Volume))
	}
	if o.BufferDuration <= 0 {
		errs = append(errs, "output.bufferduration must be positive")
	}
	if o.DrainDuration < 0 || o.DrainDuration > o.BufferDuration {
		errs = append(errs, "output.drainduration must be between 0 and output.bufferduration")
	}
	return errs
}

func validateTelemetrySettings(s *Settings) []string {
	if s.Telemetry.Enabled && s.Telemetry.DSN == "" {
		return []string{"telemetry.dsn is required when telemetry is enabled"}
	}
	return nil
}

func validateMetricsSettings(s *Settings) []string {
	if !s.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Metrics.Listen); err != nil {
		return []string{fmt.Sprintf("metrics.listen: %v", err)}
	}
	return nil
}
