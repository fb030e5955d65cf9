package gpio

import (
	"fmt"
	"sync"

	"github.com/microscopio/microscopio/internal/log"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// MaxBCMPin is the highest BCM pin number on the 40-pin header.
const MaxBCMPin = 27

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetDuty drives pin with a PWM duty cycle in percent (0-100).
	// 0 holds the pin LOW, 100 holds it HIGH.
	SetDuty(pin int, percent int) error
	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool, pwmFreqHz int) (Driver, error) {
	if mock {
		l := log.WithComponent("gpio")
		l.Info().Msg("using mock GPIO driver")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver(pwmFreqHz)
}

func validPin(pin int) error {
	if pin < 0 || pin > MaxBCMPin {
		return fmt.Errorf("gpio: pin %d out of range 0-%d", pin, MaxBCMPin)
	}
	return nil
}

func clampDuty(percent int) int {
	return max(0, min(100, percent))
}

// MockDriver keeps pin state in memory. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	duty   map[int]int
	closed bool
}

// NewMockDriver returns an empty in-memory driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		duty:   make(map[int]int),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	return validPin(pin)
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	if err := validPin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
	if level == High {
		m.duty[pin] = 100
	} else {
		m.duty[pin] = 0
	}
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	if err := validPin(pin); err != nil {
		return Low, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) SetDuty(pin int, percent int) error {
	if err := validPin(pin); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duty[pin] = clampDuty(percent)
	m.levels[pin] = m.duty[pin] > 0
	return nil
}

// Duty reports the last duty cycle applied to pin.
func (m *MockDriver) Duty(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duty[pin]
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pin := range m.duty {
		m.duty[pin] = 0
		m.levels[pin] = Low
	}
	m.closed = true
	return nil
}
