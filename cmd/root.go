package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atekin/mprt/cmd/config"
	"github.com/atekin/mprt/cmd/play"
	"github.com/atekin/mprt/internal/buildinfo"
	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/logger"
)

// globalFlags are the persistent flags shared by every sub-command.
type globalFlags struct {
	configFile string
	debug      bool
	logLevel   string
}

// RootCommand creates and returns the root command. Settings are loaded in
// PersistentPreRunE, after --config has been parsed.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	flags := &globalFlags{}
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:          "mprt",
		Short:        "Modular audio player",
		Version:      build.GetVersion(),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(
		play.Command(settings, build),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := conf.Load(flags.configFile)
		if err != nil {
			return err
		}
		*settings = *loaded

		if flags.debug {
			settings.Debug = true
		}
		if flags.logLevel != "" {
			settings.Log.Level = flags.logLevel
		}

		central, err = initLogging(settings)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

// initLogging installs the global logger described by the settings.
func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	level := settings.Log.Level
	if settings.Debug {
		level = "debug"
	}

	cfg := &logger.LoggingConfig{
		DefaultLevel: level,
		Console:      &logger.ConsoleOutput{Enabled: true, Level: level},
	}
	if settings.Log.File != "" {
		cfg.FileOutput = &logger.FileOutput{Enabled: true, Path: settings.Log.File, Level: level}
	}

	central, err := logger.NewCentralLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetGlobal(central)
	return central, nil
}
