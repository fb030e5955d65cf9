package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stianeikeland/go-rpio/v4"

	"github.com/microscopio/microscopio/internal/log"
)

// pwmCycle is the number of clock ticks per PWM period on hardware channels,
// so the duty percent maps 1:1 onto duty ticks.
const pwmCycle = 100

// hardwarePWM lists the BCM pins wired to the SoC PWM peripheral.
var hardwarePWM = map[int]bool{12: true, 13: true, 18: true, 19: true}

// pwmMode marks a pin owned by the PWM peripheral.
const pwmMode PinMode = -1

// pinIO is the register-level surface RPiDriver needs from go-rpio.
type pinIO interface {
	Input(pin int)
	Output(pin int)
	PWM(pin int, freqHz int)
	Write(pin int, level Level)
	Read(pin int) Level
	SetDutyCycle(pin int, duty int)
	Close() error
}

type rpioPins struct{}

func (rpioPins) Input(pin int)  { rpio.Pin(pin).Input() }
func (rpioPins) Output(pin int) { rpio.Pin(pin).Output() }

func (rpioPins) PWM(pin int, freqHz int) {
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(freqHz)
}

func (rpioPins) Write(pin int, level Level) {
	if level == High {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
}

func (rpioPins) Read(pin int) Level { return rpio.Pin(pin).Read() == rpio.High }

func (rpioPins) SetDutyCycle(pin int, duty int) {
	rpio.SetDutyCycle(rpio.Pin(pin), uint32(duty), pwmCycle)
}

func (rpioPins) Close() error { return rpio.Close() }

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Pins 12, 13, 18 and 19 are driven by the PWM peripheral; every other LED
// pin gets a software PWM goroutine.
type RPiDriver struct {
	mu     sync.Mutex
	io     pinIO
	modes  map[int]PinMode
	soft   map[int]*softPWM
	freqHz int
	log    zerolog.Logger
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver(pwmFreqHz int) (*RPiDriver, error) {
	l := log.WithComponent("gpio")
	l.Info().Msg("initializing go-rpio driver")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	return newRPiDriver(rpioPins{}, pwmFreqHz, l), nil
}

func newRPiDriver(io pinIO, pwmFreqHz int, l zerolog.Logger) *RPiDriver {
	if pwmFreqHz <= 0 {
		pwmFreqHz = 100
	}
	return &RPiDriver{
		io:     io,
		modes:  make(map[int]PinMode),
		soft:   make(map[int]*softPWM),
		freqHz: pwmFreqHz,
		log:    l,
	}
}

// SetupPin configures pin. An output on a hardware PWM pin is handed to the
// PWM peripheral at 0% so later SetDuty calls take effect.
func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	if err := validPin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == Output && hardwarePWM[pin] {
		r.pwmLocked(pin)
		r.io.SetDutyCycle(pin, 0)
		return nil
	}
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	r.log.Trace().Int("pin", pin).Int("mode", int(mode)).Msg("setup pin")

	switch mode {
	case Input:
		r.stopSoftLocked(pin)
		r.io.Input(pin)
	case Output:
		r.io.Output(pin)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.modes[pin] = mode
	return nil
}

func (r *RPiDriver) pwmLocked(pin int) {
	if r.modes[pin] == pwmMode {
		return
	}
	r.log.Trace().Int("pin", pin).Msg("pin to hardware PWM")
	r.io.PWM(pin, r.freqHz*pwmCycle)
	r.modes[pin] = pwmMode
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	if err := validPin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopSoftLocked(pin)
	mode, ok := r.modes[pin]
	switch {
	case ok && mode == pwmMode:
		duty := 0
		if level == High {
			duty = 100
		}
		r.io.SetDutyCycle(pin, duty)
		return nil
	case !ok || mode != Output:
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
	}
	r.io.Write(pin, level)
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	if err := validPin(pin); err != nil {
		return Low, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modes[pin]; !ok {
		// Pin not setup yet, setup as input
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
	}
	return r.io.Read(pin), nil
}

func (r *RPiDriver) SetDuty(pin int, percent int) error {
	if err := validPin(pin); err != nil {
		return err
	}
	percent = clampDuty(percent)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Trace().Int("pin", pin).Int("duty", percent).Msg("set duty")

	if hardwarePWM[pin] {
		r.pwmLocked(pin)
		r.io.SetDutyCycle(pin, percent)
		return nil
	}

	if r.modes[pin] != Output {
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
	}

	switch percent {
	case 0:
		r.stopSoftLocked(pin)
		r.io.Write(pin, Low)
	case 100:
		r.stopSoftLocked(pin)
		r.io.Write(pin, High)
	default:
		if s, ok := r.soft[pin]; ok {
			s.set(percent)
			return nil
		}
		s := newSoftPWM(r.io, pin, time.Second/time.Duration(r.freqHz), percent)
		r.soft[pin] = s
		go s.run()
	}
	return nil
}

func (r *RPiDriver) stopSoftLocked(pin int) {
	if s, ok := r.soft[pin]; ok {
		s.stop()
		delete(r.soft, pin)
	}
}

func (r *RPiDriver) Close() error {
	r.log.Debug().Msg("closing GPIO driver")

	r.mu.Lock()
	defer r.mu.Unlock()

	for pin := range r.soft {
		r.stopSoftLocked(pin)
	}
	// Reset all pins to input (safe state)
	for pin, mode := range r.modes {
		if mode == pwmMode {
			r.io.SetDutyCycle(pin, 0)
		}
		r.io.Write(pin, Low)
		r.io.Input(pin)
	}
	clear(r.modes)
	return r.io.Close()
}

// softPWM toggles an output pin from a goroutine. Jitter is acceptable for
// LED dimming; the camera exposure integrates over many periods.
type softPWM struct {
	io     pinIO
	pin    int
	period time.Duration

	mu   sync.Mutex
	duty int

	done chan struct{}
	exit chan struct{}
}

func newSoftPWM(io pinIO, pin int, period time.Duration, duty int) *softPWM {
	return &softPWM{
		io:     io,
		pin:    pin,
		period: period,
		duty:   duty,
		done:   make(chan struct{}),
		exit:   make(chan struct{}),
	}
}

func (s *softPWM) set(duty int) {
	s.mu.Lock()
	s.duty = duty
	s.mu.Unlock()
}

func (s *softPWM) run() {
	defer close(s.exit)
	for {
		s.mu.Lock()
		on := s.period * time.Duration(s.duty) / 100
		s.mu.Unlock()

		s.io.Write(s.pin, High)
		if !s.sleep(on) {
			return
		}
		s.io.Write(s.pin, Low)
		if !s.sleep(s.period - on) {
			return
		}
	}
}

func (s *softPWM) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

func (s *softPWM) stop() {
	close(s.done)
	<-s.exit
	s.io.Write(s.pin, Low)
}
