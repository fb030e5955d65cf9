package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/microscopio/microscopio/internal/config"
	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/fsutil"
	"github.com/microscopio/microscopio/internal/hw/gpio"
	"github.com/microscopio/microscopio/internal/hw/sensor"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/logic/environment"
	"github.com/microscopio/microscopio/internal/logic/experiment"
	"github.com/microscopio/microscopio/internal/logic/frames"
	"github.com/microscopio/microscopio/internal/logic/illumination"
	"github.com/microscopio/microscopio/internal/logic/registry"
	"github.com/microscopio/microscopio/internal/sysinfo"
	"github.com/microscopio/microscopio/internal/web"
)

// newSensor returns nil when no sensor is configured or found.
func newSensor(cfg *config.Config) (sensor.Sensor, error) {
	switch cfg.Sensor.Type {
	case config.SensorMock:
		return sensor.NewMock(22, 45), nil
	case config.SensorDHT11IIO:
		s, err := sensor.NewIIO(cfg.Sensor.IIODir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, nil
}

// serve wires the rig and blocks until ctx ends or /shutdown is called.
// A nil ln listens on the configured address.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, sink logSink) error {
	broadcaster := web.NewStatusBroadcaster()
	log.Configure(log.Config{
		Level:   cfg.Defaults.LogLevel,
		Output:  io.MultiWriter(sink.w, web.BroadcastWriter(broadcaster)),
		Console: sink.console,
	})
	logger := log.WithComponent("main")

	files, err := fsutil.NewRoot(cfg.Storage.BaseFolder)
	if err != nil {
		return fmt.Errorf("prepare base folder: %w", err)
	}
	logger.Info().Str("base_folder", files.Base()).Msg("output folder ready")

	drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO, cfg.LEDs.PWMFreqHz)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing GPIO driver failed")
		}
	}()

	lights, err := illumination.New(drv, cfg.LEDPins(), cfg.LEDs.DefaultLevel)
	if err != nil {
		return fmt.Errorf("init illumination: %w", err)
	}
	defer lights.AllOff()

	src := frames.New(newOpener(cfg), frames.Options{
		ReadTimeout:  cfg.ReadTimeout(),
		RetryBackoff: cfg.RetryBackoff(),
		StreamFPS:    float64(cfg.Cameras.StreamFPS),
	})
	defer src.Close()

	reg := registry.New(newDiscovery(cfg))
	reg.OnChange(func(added, removed []device.ID) {
		for _, id := range removed {
			src.Release(id)
			broadcaster.Broadcast("warn", fmt.Sprintf("camera %d disconnected", id))
		}
		for _, id := range added {
			broadcaster.Broadcast("info", fmt.Sprintf("camera %d connected", id))
		}
	})
	if _, _, err := reg.Rescan(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial camera scan failed")
	}
	logger.Info().Ints("cameras", device.Ints(reg.List())).Msg("cameras detected")

	sens, err := newSensor(cfg)
	if err != nil {
		logger.Warn().Err(err).Str("type", cfg.Sensor.Type).Msg("environment sensor unavailable")
	}
	probe := environment.New(sens, environment.Options{
		Timeout:      cfg.SensorReadTimeout(),
		Attempts:     cfg.Sensor.Attempts,
		PollInterval: cfg.SensorPollInterval(),
		MaxAge:       cfg.SensorMaxAge(),
	})

	runner := experiment.New(experiment.Deps{
		Devices: reg,
		Lights:  lights,
		Frames:  src,
		Env:     probe,
		Notify:  broadcaster,
	}, experiment.Options{
		Stabilization:      cfg.Stabilization(),
		ImageExt:           cfg.Experiment.ImageExt,
		TimestampLayout:    cfg.Experiment.TimestampLayout,
		SummaryFile:        cfg.Experiment.SummaryFile,
		FolderPrefix:       cfg.Experiment.FolderPrefix,
		CaptureParallelism: cfg.Experiment.CaptureParallelism,
	})
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := runner.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("stopping experiment failed")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := web.NewServer(web.Options{
		Addr:              cfg.Addr(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
		ShutdownTimeout:   cfg.ShutdownTimeout(),
		RateLimitPerMin:   cfg.Server.RateLimitPerMin,
	}, web.Deps{
		Cameras:     reg,
		Lights:      lights,
		Frames:      src,
		Env:         probe,
		Experiments: runner,
		Host:        sysinfo.New(files.Base()),
		Files:       files,
		Broadcaster: broadcaster,
		Shutdown:    cancel,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ln != nil {
			return srv.Serve(gctx, ln)
		}
		return srv.Run(gctx)
	})
	if !cfg.Cameras.Mock && (cfg.Cameras.WatchDevices || cfg.RescanInterval() > 0) {
		dir := ""
		if cfg.Cameras.WatchDevices {
			dir = filepath.Dir(cfg.Cameras.DeviceGlob)
		}
		g.Go(func() error { return reg.Watch(gctx, dir, cfg.RescanInterval()) })
	}
	if probe.Polling() {
		g.Go(func() error { return probe.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().Msg("shutting down: stopping experiment, LEDs off, releasing cameras")
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

