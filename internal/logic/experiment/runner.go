// Package experiment runs timed imaging experiments.
//
// A run captures every interval, for a fixed duration, one frame per
// selected camera with its LED lit, and appends one environment line per
// tick to a summary file. At most one run exists at a time.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/logic/environment"
	"github.com/microscopio/microscopio/internal/logic/illumination"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrAlreadyRunning    = errors.New("experiment already running")
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFaulted   Outcome = "faulted"
)

// DeviceLister reports the cameras currently connected.
type DeviceLister interface {
	List() []device.ID
}

// Illuminator switches LEDs in bulk. Failures are reported, never raised.
type Illuminator interface {
	OnSet(ids []device.ID) illumination.Report
	OffSet(ids []device.ID) illumination.Report
}

// Grabber returns one encoded frame from a camera.
type Grabber interface {
	Grab(ctx context.Context, id device.ID) ([]byte, error)
}

// EnvReader returns a reading, or false when the sensor is unavailable.
type EnvReader interface {
	Read(ctx context.Context) (environment.Reading, bool)
}

// Notifier receives human readable progress messages.
type Notifier interface {
	Broadcast(level, msg string)
}

// Deps are the hardware capabilities a Runner drives.
type Deps struct {
	Devices DeviceLister
	Lights  Illuminator
	Frames  Grabber
	Env     EnvReader
	Notify  Notifier // optional
}

// Options controls the on-disk layout and tick timing.
type Options struct {
	Stabilization      time.Duration // LED settle time before reading
	ImageExt           string        // default "jpg"
	TimestampLayout    string        // default 2006-01-02_15-04-05
	SummaryFile        string        // default resumen_dht.txt
	FolderPrefix       string        // default Microscopio
	CaptureParallelism int           // 0: one goroutine per device, 1: sequential
}

func (o *Options) setDefaults() {
	if o.ImageExt == "" {
		o.ImageExt = "jpg"
	}
	if o.TimestampLayout == "" {
		o.TimestampLayout = "2006-01-02_15-04-05"
	}
	if o.SummaryFile == "" {
		o.SummaryFile = "resumen_dht.txt"
	}
	if o.FolderPrefix == "" {
		o.FolderPrefix = "Microscopio"
	}
}

// Params describe one run.
type Params struct {
	Folder   string // absolute destination root
	Duration time.Duration
	Interval time.Duration
	// Devices restricts the run; unknown ids are dropped and an empty
	// result means every connected camera.
	Devices []device.ID
}

func (p Params) validate() error {
	switch {
	case p.Folder == "":
		return fmt.Errorf("%w: empty folder", ErrInvalidParameters)
	case p.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidParameters)
	case p.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidParameters)
	case p.Interval > p.Duration:
		return fmt.Errorf("%w: interval %s exceeds duration %s", ErrInvalidParameters, p.Interval, p.Duration)
	}
	return nil
}

type run struct {
	id        string
	params    Params
	devices   []device.ID
	startedAt time.Time
	summary   *os.File
	log       zerolog.Logger

	// loop goroutine only
	lastStamp string
	repeats   int

	// guarded by Runner.mu
	ticks    int
	failures int
	outcome  Outcome
	err      error
}

// Runner owns the experiment lifecycle: Idle, Running, then back to Idle
// with the outcome of the run recorded.
type Runner struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    *run
}

// New returns an idle runner.
func New(deps Deps, opts Options) *Runner {
	opts.setDefaults()
	if deps.Notify == nil {
		deps.Notify = nopNotifier{}
	}
	return &Runner{
		deps: deps,
		opts: opts,
		log:  log.WithComponent("experiment"),
	}
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, string) {}

// DeviceFolder returns the per-camera subfolder of a run rooted at folder.
func (r *Runner) DeviceFolder(folder string, id device.ID) string {
	return filepath.Join(folder, fmt.Sprintf("%s%d", r.opts.FolderPrefix, id))
}

// resolve freezes the device subset against the registry.
func (r *Runner) resolve(requested []device.ID) []device.ID {
	connected := r.deps.Devices.List()
	var out []device.ID
	for _, id := range requested {
		if slices.Contains(connected, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = connected
	}
	return device.Sorted(out)
}

// Start validates p, prepares the folder tree and launches the run in the
// background. It returns the resolved device subset. Nothing is created on
// disk when validation fails.
func (r *Runner) Start(p Params) ([]device.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil, ErrAlreadyRunning
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	devices := r.resolve(p.Devices)
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no camera connected", ErrInvalidParameters)
	}

	var created []string
	undo := func() {
		for _, dir := range slices.Backward(created) {
			os.RemoveAll(dir)
		}
	}
	if err := mkdirTracked(p.Folder, &created); err != nil {
		undo()
		return nil, fmt.Errorf("create run folder: %w", err)
	}
	for _, id := range devices {
		if err := mkdirTracked(r.DeviceFolder(p.Folder, id), &created); err != nil {
			undo()
			return nil, fmt.Errorf("create camera folder: %w", err)
		}
	}
	summary, err := os.OpenFile(filepath.Join(p.Folder, r.opts.SummaryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		undo()
		return nil, fmt.Errorf("open summary: %w", err)
	}

	id := uuid.NewString()
	rn := &run{
		id:        id,
		params:    p,
		devices:   devices,
		startedAt: time.Now(),
		summary:   summary,
		log:       r.log.With().Str("run_id", id).Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.running, r.cancel, r.done, r.last = true, cancel, done, rn
	metrics.SetRunning(true)

	rn.log.Info().
		Str("folder", p.Folder).
		Dur("duration", p.Duration).
		Dur("interval", p.Interval).
		Ints("devices", device.Ints(devices)).
		Msg("experiment started")
	r.deps.Notify.Broadcast("info", fmt.Sprintf("experiment started: %s, cameras %v", p.Folder, devices))

	go r.loop(ctx, rn, done)
	return slices.Clone(devices), nil
}

// mkdirTracked is os.MkdirAll that records the topmost directory it had to
// create, so a failed Start can remove exactly what it made.
func mkdirTracked(path string, created *[]string) error {
	top := firstMissing(path)
	err := os.MkdirAll(path, 0o755)
	if top != "" {
		*created = append(*created, top)
	}
	return err
}

func firstMissing(path string) string {
	p := filepath.Clean(path)
	if _, err := os.Lstat(p); err == nil {
		return ""
	}
	for {
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		if _, err := os.Lstat(parent); err == nil {
			return p
		}
		p = parent
	}
}

// Stop cancels the current run and returns once its LEDs are off. It is a
// no-op when nothing runs. If ctx ends before the loop exits, the LEDs
// are still forced off and ctx's error is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done, devices := r.cancel, r.done, r.last.devices
	r.mu.Unlock()

	cancel()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop: loop still busy: %w", ctx.Err())
	}
	r.deps.Lights.OffSet(devices)
	return err
}

// Wait blocks until the current run, if any, has ended.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done, running := r.done, r.running
	r.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) finish(rn *run, outcome Outcome, err error) {
	r.mu.Lock()
	rn.outcome, rn.err = outcome, err
	r.running = false
	ticks, failures := rn.ticks, rn.failures
	r.mu.Unlock()

	metrics.SetRunning(false)
	metrics.RecordRunOutcome(string(outcome))

	ev := rn.log.Info()
	if err != nil {
		ev = rn.log.Error().Err(err)
	}
	ev.Str("outcome", string(outcome)).Int("ticks", ticks).Int("capture_failures", failures).Msg("experiment ended")
	r.deps.Notify.Broadcast("info", fmt.Sprintf("experiment %s after %d ticks", outcome, ticks))
}
