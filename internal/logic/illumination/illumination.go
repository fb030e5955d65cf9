// Package illumination drives the per-camera LEDs.
//
// Each LED has a stored brightness level (0-100) and an on/off flag. The
// PWM duty applied to the pin is the level while on and 0 while off, so
// changing the level of a switched-off LED never lights it.
package illumination

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/gpio"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

// ErrUnknownDevice is returned for ids without an LED.
var ErrUnknownDevice = errors.New("unknown device")

// Report lists the per-device failures of a bulk operation. Bulk
// operations never stop at the first failure.
type Report struct {
	Failed map[device.ID]error
}

// OK reports whether every device succeeded.
func (r Report) OK() bool { return len(r.Failed) == 0 }

func (r *Report) fail(id device.ID, err error) {
	if r.Failed == nil {
		r.Failed = make(map[device.ID]error)
	}
	r.Failed[id] = err
}

type led struct {
	mu     sync.Mutex
	pin    int
	level  int
	active bool
}

// Controller owns the LED pins. The set of LEDs is fixed at construction;
// each LED has its own lock so brightness changes on one device never
// wait on another.
type Controller struct {
	drv  gpio.Driver
	leds map[device.ID]*led
	ids  []device.ID
	log  zerolog.Logger
}

// New configures every pin in pins as an output held at duty 0.
func New(drv gpio.Driver, pins map[device.ID]int, defaultLevel int) (*Controller, error) {
	c := &Controller{
		drv:  drv,
		leds: make(map[device.ID]*led, len(pins)),
		ids:  slices.Sorted(maps.Keys(pins)),
		log:  log.WithComponent("illumination"),
	}
	for _, id := range c.ids {
		pin := pins[id]
		if err := drv.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("led %d: setup pin %d: %w", id, pin, err)
		}
		if err := drv.SetDuty(pin, 0); err != nil {
			return nil, fmt.Errorf("led %d: pin %d: %w", id, pin, err)
		}
		c.leds[id] = &led{pin: pin, level: clamp(defaultLevel)}
		metrics.SetLEDDuty(id, 0)
	}
	c.log.Info().Int("leds", len(c.ids)).Msg("illumination ready")
	return c, nil
}

func clamp(v int) int {
	return max(0, min(100, v))
}

func (c *Controller) get(id device.ID) (*led, error) {
	l, ok := c.leds[id]
	if !ok {
		return nil, fmt.Errorf("led %d: %w", id, ErrUnknownDevice)
	}
	return l, nil
}

// apply drives the pin from the LED's current state. l.mu must be held.
func (c *Controller) apply(id device.ID, l *led) error {
	duty := 0
	if l.active {
		duty = l.level
	}
	if err := c.drv.SetDuty(l.pin, duty); err != nil {
		metrics.RecordIlluminationFailure(id)
		return fmt.Errorf("led %d: pin %d duty %d: %w", id, l.pin, duty, err)
	}
	metrics.SetLEDDuty(id, duty)
	return nil
}

// Devices returns the ids that have an LED, sorted.
func (c *Controller) Devices() []device.ID {
	return slices.Clone(c.ids)
}

// Has reports whether id has an LED.
func (c *Controller) Has(id device.ID) bool {
	_, ok := c.leds[id]
	return ok
}

// SetLevel stores the clamped level and returns it. A lit LED picks up the
// new level immediately.
func (c *Controller) SetLevel(id device.ID, value int) (int, error) {
	l, err := c.get(id)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level = clamp(value)
	if !l.active {
		return l.level, nil
	}
	return l.level, c.apply(id, l)
}

// Level returns the stored level.
func (c *Controller) Level(id device.ID) (int, error) {
	l, err := c.get(id)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, nil
}

// State returns the stored level and whether the LED is switched on.
func (c *Controller) State(id device.ID) (level int, active bool, err error) {
	l, err := c.get(id)
	if err != nil {
		return 0, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, l.active, nil
}

// Levels returns the stored level of every LED.
func (c *Controller) Levels() map[device.ID]int {
	out := make(map[device.ID]int, len(c.leds))
	for id, l := range c.leds {
		l.mu.Lock()
		out[id] = l.level
		l.mu.Unlock()
	}
	return out
}

func (c *Controller) set(id device.ID, active bool) error {
	l, err := c.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
	return c.apply(id, l)
}

// On switches the LED on at its stored level. A level of 0 leaves it dark
// but logically on.
func (c *Controller) On(id device.ID) error { return c.set(id, true) }

// Off switches the LED off. The stored level is kept.
func (c *Controller) Off(id device.ID) error { return c.set(id, false) }

func (c *Controller) bulk(ids []device.ID, active bool) Report {
	var r Report
	for _, id := range ids {
		if !c.Has(id) {
			continue
		}
		if err := c.set(id, active); err != nil {
			c.log.Warn().Err(err).Int("device", int(id)).Bool("on", active).Msg("led switch failed")
			r.fail(id, err)
		}
	}
	return r
}

// OnSet switches on the LEDs of ids. Ids without an LED are skipped.
func (c *Controller) OnSet(ids []device.ID) Report { return c.bulk(ids, true) }

// OffSet switches off the LEDs of ids. Ids without an LED are skipped.
func (c *Controller) OffSet(ids []device.ID) Report { return c.bulk(ids, false) }

// OnAll switches every LED on.
func (c *Controller) OnAll() Report { return c.bulk(c.ids, true) }

// OffAll switches every LED off.
func (c *Controller) OffAll() Report { return c.bulk(c.ids, false) }

// AllOff forces every LED dark. It is safe to call at any time and any
// number of times, including from cleanup paths after driver errors.
func (c *Controller) AllOff() Report {
	r := c.OffAll()
	if !r.OK() {
		c.log.Error().Int("failed", len(r.Failed)).Msg("could not switch every led off")
	}
	return r
}
