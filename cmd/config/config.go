package config

import (
	"github.com/spf13/cobra"

	"github.com/atekin/mprt/internal/conf"
)

// Command creates the config command, which prints the effective settings.
func Command(settings *conf.Settings) *cobra.Command {
	var showDefault bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after merging defaults, the config file and environment overrides, as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showDefault {
				_, err := cmd.OutOrStdout().Write(conf.DefaultConfigYAML())
				return err
			}
			data, err := settings.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&showDefault, "default", false, "Print the commented default config file instead")
	return cmd
}
