// Package sensor reads ambient temperature and relative humidity.
package sensor

import (
	"context"
	"errors"
	"time"
)

// ErrNoDevice is returned when no matching sensor is attached.
var ErrNoDevice = errors.New("sensor: no device")

// Reading is one temperature/humidity sample.
type Reading struct {
	TemperatureC float64
	HumidityPct  float64
	At           time.Time
}

// Sensor performs one blocking measurement. Implementations report a
// partial measurement as an error.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}
