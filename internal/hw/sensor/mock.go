package sensor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInjected is returned by Mock while failures are queued.
var ErrInjected = errors.New("sensor: injected failure")

// Mock returns a fixed reading; failures can be queued for tests.
type Mock struct {
	mu       sync.Mutex
	reading  Reading
	failures int
	reads    int
	delay    time.Duration
}

// NewMock returns a sensor reporting temp and humidity.
func NewMock(temp, humidity float64) *Mock {
	return &Mock{reading: Reading{TemperatureC: temp, HumidityPct: humidity}}
}

func (m *Mock) Read(ctx context.Context) (Reading, error) {
	m.mu.Lock()
	m.reads++
	delay := m.delay
	fail := m.failures > 0
	if fail {
		m.failures--
	}
	r := m.reading
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return Reading{}, ErrInjected
	}
	r.At = time.Now()
	return r, nil
}

// Set changes the reported values.
func (m *Mock) Set(temp, humidity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = Reading{TemperatureC: temp, HumidityPct: humidity}
}

// FailNext makes the next n reads fail.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// SetDelay makes each read take d.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Reads reports how many reads were attempted.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
