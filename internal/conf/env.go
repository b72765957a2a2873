// env.go: environment variable overrides
package conf

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/atekin/mprt/internal/errors"
)

// envBinding maps one environment variable onto a config key.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "MPRT_DEBUG", validateEnvBool},
		{"log.level", "MPRT_LOG_LEVEL", validateEnvLogLevel},
		{"log.file", "MPRT_LOG_FILE", nil},
		{"output.device", "MPRT_OUTPUT_DEVICE", validateEnvDevice},
		{"output.path", "MPRT_OUTPUT_PATH", nil},
		{"output.backend", "MPRT_OUTPUT_BACKEND", nil},
		{"output.volume", "MPRT_OUTPUT_VOLUME", validateEnvVolume},
		{"telemetry.enabled", "MPRT_TELEMETRY_ENABLED", validateEnvBool},
		{"telemetry.dsn", "MPRT_TELEMETRY_DSN", nil},
		{"metrics.enabled", "MPRT_METRICS_ENABLED", validateEnvBool},
		{"metrics.listen", "MPRT_METRICS_LISTEN", nil},
	}
}

// bindEnvVars binds the known variables and rejects invalid values that are set.
func bindEnvVars(v *viper.Viper) error {
	var problems []string
	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			problems = append(problems, b.EnvVar+": "+err.Error())
			continue
		}
		value, ok := os.LookupEnv(b.EnvVar)
		if !ok || b.Validate == nil {
			continue
		}
		if err := b.Validate(value); err != nil {
			problems = append(problems, b.EnvVar+": "+err.Error())
		}
	}
	if len(problems) > 0 {
		return errors.New(ValidationError{Errors: problems}).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("operation", "bind-env").
			Build()
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return errors.Newf("invalid boolean %q", value).Category(errors.CategoryValidation).Build()
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return errors.Newf("invalid log level %q", value).Category(errors.CategoryValidation).Build()
}

func validateEnvDevice(value string) error {
	if !isKnownDevice(value) {
		return errors.Newf("unknown output device %q", value).Category(errors.CategoryValidation).Build()
	}
	return nil
}

func validateEnvVolume(value string) error {
	vol, err := strconv.Atoi(value)
	if err != nil || vol < 0 || vol > 200 {
		return errors.Newf("volume must be an integer between 0 and 200, got %q", value).Category(errors.CategoryValidation).Build()
	}
	return nil
}
