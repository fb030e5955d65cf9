package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultIIODir is where the kernel exposes industrial I/O devices.
const DefaultIIODir = "/sys/bus/iio/devices"

// IIO reads a DHT11/DHT22 through the kernel dht11 IIO driver
// (dtoverlay=dht11). Values are exported in milli-units.
type IIO struct {
	dir string
	now func() time.Time
}

// NewIIO locates the dht11 device under dir (DefaultIIODir when empty).
func NewIIO(dir string) (*IIO, error) {
	if dir == "" {
		dir = DefaultIIODir
	}
	dev, err := findIIODevice(dir, "dht11")
	if err != nil {
		return nil, err
	}
	return &IIO{dir: dev, now: time.Now}, nil
}

func findIIODevice(dir, name string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "iio:device*"))
	if err != nil {
		return "", fmt.Errorf("sensor: scan %s: %w", dir, err)
	}
	for _, m := range matches {
		b, err := os.ReadFile(filepath.Join(m, "name"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(string(b)), name) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: no %s under %s", ErrNoDevice, name, dir)
}

// Read performs one measurement. The dht11 driver frequently fails with
// EIO on a bad checksum; callers retry.
func (s *IIO) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	t, err := readMilli(filepath.Join(s.dir, "in_temp_input"))
	if err != nil {
		return Reading{}, err
	}
	h, err := readMilli(filepath.Join(s.dir, "in_humidityrelative_input"))
	if err != nil {
		return Reading{}, err
	}
	return Reading{TemperatureC: t, HumidityPct: h, At: s.now()}, nil
}

func readMilli(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("sensor: read %s: %w", filepath.Base(path), err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sensor: parse %s: %w", filepath.Base(path), err)
	}
	return float64(v) / 1000, nil
}
