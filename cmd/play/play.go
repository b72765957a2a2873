package play

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atekin/mprt/internal/buildinfo"
	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/player"
	"github.com/atekin/mprt/internal/sound"
)

// flags holds overrides for the output settings. Only flags the user set
// are applied on top of the loaded settings.
type flags struct {
	device  string
	out     string
	backend string
	volume  int
	seek    time.Duration
	metrics bool
	listen  string
	quiet   bool
}

// Command creates the play command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "play [files...]",
		Short: "Play audio files",
		Long:  "Play one or more audio files (wav, flac, mp3, ogg) in order through the configured output device.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := *settings
			applyFlags(cmd, f, &s)
			if err := conf.ValidateSettings(&s); err != nil {
				return err
			}
			return run(cmd, &s, build, f, args)
		},
	}

	setupFlags(cmd, f)
	return cmd
}

// setupFlags configures flags specific to the play command.
func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.device, "device", "", "Output device: malgo, wav or null")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Target file for the wav device")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Audio backend for the malgo device")
	cmd.Flags().IntVar(&f.volume, "volume", -1, fmt.Sprintf("Volume between 0 and %d", sound.MaxVolume))
	cmd.Flags().DurationVar(&f.seek, "seek", 0, "Start position in the first file, e.g. 1m30s")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "Serve Prometheus metrics while playing")
	cmd.Flags().StringVar(&f.listen, "listen", "", "Listen address of the metrics endpoint")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not print the playback position")
}

func applyFlags(cmd *cobra.Command, f *flags, s *conf.Settings) {
	changed := cmd.Flags().Changed
	if changed("device") {
		s.Output.Device = f.device
	}
	if changed("out") {
		s.Output.Path = f.out
		if !changed("device") {
			s.Output.Device = conf.DeviceWAV
		}
	}
	if changed("backend") {
		s.Output.Backend = f.backend
	}
	if changed("metrics") {
		s.Metrics.Enabled = f.metrics
	}
	if changed("listen") {
		s.Metrics.Listen = f.listen
	}
}

func run(cmd *cobra.Command, s *conf.Settings, build *buildinfo.Context, f *flags, files []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := player.InitTelemetry(s.Telemetry, build)
	if err != nil {
		return err
	}
	defer flush()

	opts := []player.Option{player.WithBuildInfo(build)}
	if !f.quiet {
		opts = append(opts, player.WithProgress(progressPrinter(cmd.OutOrStdout())))
	}

	err = player.Run(ctx, s, player.Request{
		Files:  files,
		Seek:   f.seek,
		Volume: f.volume,
	}, opts...)
	if !f.quiet {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return err
}

// progressPrinter rewrites a single status line with the playback position.
func progressPrinter(w io.Writer) func(id sound.StreamID, ms int64) {
	return func(id sound.StreamID, ms int64) {
		pos := time.Duration(ms) * time.Millisecond
		fmt.Fprintf(w, "\r[%d] %s   ", id, formatPosition(pos))
	}
}

// formatPosition renders d as m:ss, or h:mm:ss past one hour.
func formatPosition(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	sec := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
