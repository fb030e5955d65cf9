package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/logic/illumination"
	"github.com/microscopio/microscopio/internal/metrics"
)

// loop fires ticks at start, start+interval, ... until the deadline or
// cancellation. The schedule is fixed: a slow tick delays the next one
// but never shifts the ones after it.
func (r *Runner) loop(ctx context.Context, rn *run, done chan struct{}) {
	defer close(done)

	outcome := OutcomeCompleted
	var runErr error
	defer func() {
		r.lightsOff(rn, r.deps.Lights.OffSet(rn.devices))
		if err := rn.summary.Close(); err != nil && runErr == nil {
			rn.log.Warn().Err(err).Msg("closing summary")
		}
		r.finish(rn, outcome, runErr)
	}()

	start := time.Now()
	next := start
	deadline := start.Add(rn.params.Duration)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			outcome = OutcomeStopped
			return
		}
		now := time.Now()
		if !now.Before(deadline) {
			return
		}
		if !now.Before(next) {
			if err := r.tick(ctx, rn); err != nil {
				outcome, runErr = OutcomeFaulted, err
				return
			}
			next = next.Add(rn.params.Interval)
			continue
		}

		wake := next
		if deadline.Before(wake) {
			wake = deadline
		}
		timer.Reset(wake.Sub(now))
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// tick lights the run's LEDs, logs the environment and grabs every
// camera. Only a summary write failure is returned; everything else
// degrades the tick.
func (r *Runner) tick(ctx context.Context, rn *run) error {
	began := time.Now()
	ts := rn.stamp(began.Format(r.opts.TimestampLayout))

	r.lightsOn(rn, r.deps.Lights.OnSet(rn.devices))
	defer func() {
		r.lightsOff(rn, r.deps.Lights.OffSet(rn.devices))
		metrics.RecordTick(time.Since(began))
	}()

	if !sleep(ctx, r.opts.Stabilization) {
		return nil
	}

	line := ts + " - Reading failed\n"
	if rd, ok := r.deps.Env.Read(ctx); ok {
		line = fmt.Sprintf("%s - Temp: %.1fC, Humidity: %.1f%% \n", ts, rd.TemperatureC, rd.HumidityPct)
	} else {
		rn.log.Warn().Str("tick", ts).Msg("environment reading failed")
	}
	if _, err := rn.summary.WriteString(line); err != nil {
		return fmt.Errorf("append summary: %w", err)
	}

	connected := r.deps.Devices.List()
	var g errgroup.Group
	if r.opts.CaptureParallelism > 0 {
		g.SetLimit(r.opts.CaptureParallelism)
	}
	for _, id := range rn.devices {
		g.Go(func() error {
			if !slices.Contains(connected, id) {
				metrics.RecordCapture(id, false)
				r.captureFailed(rn, id, ts, fmt.Errorf("device %d not connected", id))
				return nil
			}
			r.capture(ctx, rn, id, ts)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	rn.ticks++
	n := rn.ticks
	r.mu.Unlock()
	rn.log.Debug().Int("tick", n).Str("timestamp", ts).Dur("took", time.Since(began)).Msg("tick done")
	return nil
}

// stamp keeps tick names unique within a run. Catch-up ticks after a stall
// can share a second; repeats get _2, _3, ... appended.
func (rn *run) stamp(ts string) string {
	if ts != rn.lastStamp {
		rn.lastStamp, rn.repeats = ts, 1
		return ts
	}
	rn.repeats++
	return fmt.Sprintf("%s_%d", ts, rn.repeats)
}

func (r *Runner) capture(ctx context.Context, rn *run, id device.ID, ts string) {
	frame, err := r.deps.Frames.Grab(ctx, id)
	if err != nil {
		r.captureFailed(rn, id, ts, err)
		return
	}
	path := filepath.Join(r.DeviceFolder(rn.params.Folder, id), ts+"."+r.opts.ImageExt)
	if _, err := os.Lstat(path); err == nil {
		// left by an earlier run in the same folder
		r.captureFailed(rn, id, ts, fmt.Errorf("image %s already exists", filepath.Base(path)))
		return
	}
	if err := renameio.WriteFile(path, frame, 0o644); err != nil {
		r.captureFailed(rn, id, ts, fmt.Errorf("write image: %w", err))
	}
}

func (r *Runner) captureFailed(rn *run, id device.ID, ts string, err error) {
	r.mu.Lock()
	rn.failures++
	r.mu.Unlock()
	rn.log.Warn().Err(err).Int("device", int(id)).Str("tick", ts).Msg("capture failed")
}

func (r *Runner) lightsOn(rn *run, rep illumination.Report) {
	for id, err := range rep.Failed {
		rn.log.Warn().Err(err).Int("device", int(id)).Msg("led on failed")
	}
}

func (r *Runner) lightsOff(rn *run, rep illumination.Report) {
	for id, err := range rep.Failed {
		rn.log.Error().Err(err).Int("device", int(id)).Msg("led off failed")
	}
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
