package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/microscopio/microscopio/internal/config"
	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/camera"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "microscopio:", err)
		os.Exit(1)
	}
}

type cli struct {
	cfgPath  string
	logLevel string
	console  bool
	cfg      *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "microscopio",
		Short:         "Time-lapse microscopy rig controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.cfgPath, "config", "", "path to YAML config file (defaults when empty)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override defaults.log_level")
	root.PersistentFlags().BoolVar(&c.console, "console", false, "human-readable log output")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(c.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if c.logLevel != "" {
			cfg.Defaults.LogLevel = c.logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		c.cfg = cfg
		return nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP control server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), c.cfg, nil, logOutput(cmd.ErrOrStderr(), c.console))
			},
		},
		&cobra.Command{
			Use:   "cameras",
			Short: "Probe and print the camera device ids",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listCameras(cmd.Context(), c.cfg, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return root
}

type logSink struct {
	w       io.Writer
	console bool
}

func logOutput(w io.Writer, console bool) logSink { return logSink{w: w, console: console} }

// newDiscovery picks the mock or V4L2 camera backend.
func newDiscovery(cfg *config.Config) camera.Discovery {
	if cfg.Cameras.Mock {
		ids := make([]device.ID, cfg.Cameras.MockCount)
		for i := range ids {
			ids[i] = device.ID(i)
		}
		return camera.NewMockDiscovery(ids...)
	}
	return camera.NewLinuxDiscovery(cfg.Cameras.DeviceGlob, cfg.Cameras.MaxDevices, cfg.Cameras.ProbeFormats)
}

func newOpener(cfg *config.Config) camera.Opener {
	if cfg.Cameras.Mock {
		return camera.NewMockOpener()
	}
	c := cfg.Cameras
	return camera.NewFFmpegOpener(c.FFmpegPath, c.Width, c.Height, c.FPS, c.JPEGQuality)
}

func listCameras(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ids, err := newDiscovery(cfg).Scan(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no cameras found")
		return nil
	}
	for _, id := range device.Sorted(ids) {
		fmt.Fprintf(out, "%d\t%s\n", id, camera.DevicePath(id))
	}
	return nil
}

func printVersion(out io.Writer) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(out, "microscopio: version info not available")
		return
	}
	fmt.Fprintf(out, "microscopio: %s\n", info.Main.Version)
	fmt.Fprintf(out, "go:          %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Fprintf(out, "commit:      %s\n", s.Value)
		case "vcs.time":
			fmt.Fprintf(out, "date:        %s\n", s.Value)
		}
	}
}
