package environment

import (
	"context"
	"math"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscopio/microscopio/internal/hw/sensor"
)

func TestRead_OnDemand(t *testing.T) {
	p := New(sensor.NewMock(22.5, 45), Options{})
	r, ok := p.Read(context.Background())
	require.True(t, ok)
	assert.Equal(t, 22.5, r.TemperatureC)
	assert.Equal(t, 45.0, r.HumidityPct)
}

func TestRead_RetriesTransientFailures(t *testing.T) {
	s := sensor.NewMock(20, 50)
	s.FailNext(2)
	p := New(s, Options{Attempts: 3, Backoff: time.Millisecond})

	_, ok := p.Read(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 3, s.Reads())
}

func TestRead_PersistentFailureIsUnavailable(t *testing.T) {
	s := sensor.NewMock(20, 50)
	s.FailNext(10)
	p := New(s, Options{Attempts: 2, Backoff: time.Millisecond})

	_, err := p.ReadErr(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, sensor.ErrInjected)
	assert.Equal(t, 2, s.Reads())
}

func TestRead_NoSensor(t *testing.T) {
	p := New(nil, Options{})
	_, ok := p.Read(context.Background())
	assert.False(t, ok)
	require.NoError(t, p.Run(context.Background()))
}

func TestRead_BoundedByTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := sensor.NewMock(20, 50)
		s.SetDelay(time.Minute)
		p := New(s, Options{Timeout: 500 * time.Millisecond})

		start := time.Now()
		_, err := p.ReadErr(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 500*time.Millisecond, time.Since(start))
	})
}

type partialSensor struct{}

func (partialSensor) Read(context.Context) (Reading, error) {
	return Reading{TemperatureC: 21, HumidityPct: math.NaN(), At: time.Now()}, nil
}

func TestRead_PartialReadingFails(t *testing.T) {
	p := New(partialSensor{}, Options{Attempts: 1})
	_, ok := p.Read(context.Background())
	assert.False(t, ok)
}

func TestPolling_ServesCacheAndExpires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := sensor.NewMock(19, 60)
		p := New(s, Options{PollInterval: 2 * time.Second, MaxAge: 5 * time.Second, Attempts: 1})
		require.True(t, p.Polling())

		_, ok := p.Read(context.Background())
		assert.False(t, ok, "nothing cached before the first poll")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- p.Run(ctx) }()
		synctest.Wait()

		r, ok := p.Read(context.Background())
		require.True(t, ok)
		assert.Equal(t, 19.0, r.TemperatureC)
		reads := s.Reads()

		// Reads are served from cache without touching the sensor.
		_, _ = p.Read(context.Background())
		assert.Equal(t, reads, s.Reads())

		s.FailNext(100)
		time.Sleep(6 * time.Second)
		synctest.Wait()
		_, ok = p.Read(context.Background())
		assert.False(t, ok, "cache older than MaxAge is unavailable")

		cancel()
		require.NoError(t, <-done)
	})
}
