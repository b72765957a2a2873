// config.go: settings struct for the player and the functions to load it.
package conf

import (
	_ "embed"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/atekin/mprt/internal/errors"
)

//go:embed config.yaml
var defaultConfigYAML []byte

// LogSettings controls the module logger.
type LogSettings struct {
	Level string `yaml:"level"` // trace, debug, info, warn or error
	File  string `yaml:"file"`  // optional JSON log file, empty disables it
}

// SchedulerSettings apply to every stage scheduler.
type SchedulerSettings struct {
	MaxTimerCount int `yaml:"maxtimercount"` // recycled timer objects kept per stage
}

// BufferSettings size the input stream buffers.
type BufferSettings struct {
	ChunkBytes    int `yaml:"chunkbytes"`
	CapacityBytes int `yaml:"capacitybytes"`
	MaxCacheCount int `yaml:"maxcachecount"` // idle buffers kept per pool
}

// ManagerSettings tune the stream manager decode loop.
type ManagerSettings struct {
	RetryDelay    time.Duration `yaml:"retrydelay"`    // wait for an output to attach
	StarveBackoff time.Duration `yaml:"starvebackoff"` // wait while an output buffer is full
	WaitRetries   int           `yaml:"waitretries"`
	WaitInterval  time.Duration `yaml:"waitinterval"`
	FinishedTTL   time.Duration `yaml:"finishedttl"` // how long a decoded stream stays seekable
}

// InputSettings tune the file input stage.
type InputSettings struct {
	MaxChunkBytes    int `yaml:"maxchunkbytes"`
	MaxFinishedFiles int `yaml:"maxfinishedfiles"`
}

// OutputSettings select and tune the output device.
type OutputSettings struct {
	Device           string        `yaml:"device"`  // wav, malgo or null
	Path             string        `yaml:"path"`    // target file for the wav device
	Backend          string        `yaml:"backend"` // malgo backend, auto selects per OS
	Latency          time.Duration `yaml:"latency"` // device queue length
	BufferDuration   time.Duration `yaml:"bufferduration"`
	DrainDuration    time.Duration `yaml:"drainduration"`
	Volume           int           `yaml:"volume"` // 0-200, 200 is unity gain
	ProgressInterval time.Duration `yaml:"progressinterval"`
	StarveTimeout    time.Duration `yaml:"starvetimeout"`
}

// DecoderSettings override decoder priorities by decoder name.
type DecoderSettings struct {
	Priority map[string]int `yaml:"priority"`
}

// TelemetrySettings enable error reporting to Sentry.
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// MetricsSettings enable the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port
}

// Settings is the complete player configuration.
type Settings struct {
	Debug     bool              `yaml:"debug"`
	Log       LogSettings       `yaml:"log"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
	Buffer    BufferSettings    `yaml:"buffer"`
	Manager   ManagerSettings   `yaml:"manager"`
	Input     InputSettings     `yaml:"input"`
	Output    OutputSettings    `yaml:"output"`
	Decoder   DecoderSettings   `yaml:"decoder"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Metrics   MetricsSettings   `yaml:"metrics"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads defaults, the config file and environment overrides into a
// validated Settings. An empty configFile searches the default config paths;
// a missing file there is not an error.
func Load(configFile string) (*Settings, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}
	settings, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// GetSettings returns the settings of the last successful Load, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Defaults returns the default settings without reading any file.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// defaults always decode
	_ = v.Unmarshal(settings)
	return settings
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", configFile).
				Build()
		}
		return v, nil
	}

	v.SetConfigName("config")
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "read-config").
				Build()
		}
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// ToYAML renders settings in config file form.
func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// DefaultConfigYAML returns the commented default config file.
func DefaultConfigYAML() []byte {
	return defaultConfigYAML
}
