// Package environment serves temperature/humidity readings to the rest of
// the rig with a bounded wait.
package environment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/hw/sensor"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

// ErrUnavailable means no valid reading could be obtained in time.
var ErrUnavailable = errors.New("sensor unavailable")

// Reading is a complete temperature/humidity sample.
type Reading = sensor.Reading

// Options tunes the probe. Zero values take the defaults noted per field.
type Options struct {
	// Timeout bounds one Read call, retries included. Default 2s.
	Timeout time.Duration
	// Attempts is the number of sensor reads per Read call. Default 3.
	Attempts int
	// Backoff is the pause between attempts. Default 200ms.
	Backoff time.Duration
	// PollInterval > 0 switches to polling mode: Run reads the sensor on
	// that schedule and Read serves the cached value.
	PollInterval time.Duration
	// MaxAge is how old a cached reading may be. Default 3*PollInterval.
	MaxAge time.Duration
}

// Probe wraps a sensor. A nil sensor makes every read unavailable.
type Probe struct {
	s    sensor.Sensor
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	// sem serializes access to the sensor bus.
	sem chan struct{}

	mu     sync.RWMutex
	cached Reading
	has    bool
}

// New returns a probe over s.
func New(s sensor.Sensor, opts Options) *Probe {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.PollInterval > 0 && opts.MaxAge <= 0 {
		opts.MaxAge = 3 * opts.PollInterval
	}
	return &Probe{
		s:    s,
		opts: opts,
		log:  log.WithComponent("environment"),
		now:  time.Now,
		sem:  make(chan struct{}, 1),
	}
}

// Polling reports whether the probe serves cached values.
func (p *Probe) Polling() bool { return p.opts.PollInterval > 0 }

// Read returns a reading, or false when none is available. It never waits
// longer than the configured timeout.
func (p *Probe) Read(ctx context.Context) (Reading, bool) {
	r, err := p.ReadErr(ctx)
	return r, err == nil
}

// ReadErr is Read with the failure cause.
func (p *Probe) ReadErr(ctx context.Context) (Reading, error) {
	if p.s == nil {
		return Reading{}, fmt.Errorf("%w: no sensor configured", ErrUnavailable)
	}
	if p.Polling() {
		return p.fromCache()
	}
	r, err := p.measure(ctx)
	metrics.RecordSensorRead(err == nil, r.TemperatureC, r.HumidityPct)
	return r, err
}

func (p *Probe) fromCache() (Reading, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.has {
		return Reading{}, fmt.Errorf("%w: no reading yet", ErrUnavailable)
	}
	if age := p.now().Sub(p.cached.At); age > p.opts.MaxAge {
		return Reading{}, fmt.Errorf("%w: last reading is %s old", ErrUnavailable, age.Round(time.Second))
	}
	return p.cached, nil
}

// Run polls the sensor until ctx is done. It returns immediately in
// on-demand mode.
func (p *Probe) Run(ctx context.Context) error {
	if !p.Polling() || p.s == nil {
		return nil
	}
	p.log.Info().Dur("interval", p.opts.PollInterval).Msg("polling sensor")

	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()
	for {
		r, err := p.measure(ctx)
		metrics.RecordSensorRead(err == nil, r.TemperatureC, r.HumidityPct)
		if err == nil {
			p.mu.Lock()
			p.cached, p.has = r, true
			p.mu.Unlock()
		} else if ctx.Err() == nil {
			p.log.Debug().Err(err).Msg("poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (p *Probe) measure(ctx context.Context) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Reading{}, fmt.Errorf("%w: sensor busy", ErrUnavailable)
	}

	var last error
	for attempt := range p.opts.Attempts {
		if attempt > 0 {
			t := time.NewTimer(p.opts.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				<-p.sem
				return Reading{}, fmt.Errorf("%w: %w", ErrUnavailable, last)
			case <-t.C:
			}
		}
		r, err := p.once(ctx)
		if err == nil {
			<-p.sem
			return r, nil
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	<-p.sem
	return Reading{}, fmt.Errorf("%w: %w", ErrUnavailable, last)
}

// once runs one sensor read. Sysfs reads cannot be interrupted, so the
// read runs on its own goroutine and is abandoned when ctx ends.
func (p *Probe) once(ctx context.Context) (Reading, error) {
	type result struct {
		r   Reading
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := p.s.Read(ctx)
		ch <- result{r, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Reading{}, res.err
		}
		return validate(res.r)
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

func validate(r Reading) (Reading, error) {
	if math.IsNaN(r.TemperatureC) || math.IsNaN(r.HumidityPct) {
		return Reading{}, errors.New("partial reading")
	}
	if r.HumidityPct < 0 || r.HumidityPct > 100 {
		return Reading{}, fmt.Errorf("humidity %.1f%% out of range", r.HumidityPct)
	}
	return r, nil
}
