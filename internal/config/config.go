package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/gpio"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Sensor types.
const (
	SensorDHT11IIO = "dht11_iio"
	SensorMock     = "mock"
	SensorNone     = "none"
)

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`                // default 5000
	ReadHeaderTimeout int    `yaml:"read_header_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"` // graceful shutdown budget
	RateLimitPerMin   int    `yaml:"rate_limit_per_min"`  // mutating routes, per client IP
}

// StorageConfig locates experiment output.
type StorageConfig struct {
	BaseFolder string `yaml:"base_folder"` // every client path is confined here
}

// CamerasConfig describes camera discovery and capture.
type CamerasConfig struct {
	Mock            bool   `yaml:"mock"`          // synthetic cameras, no V4L2
	MockCount       int    `yaml:"mock_count"`    // cameras exposed in mock mode
	MaxDevices      int    `yaml:"max_devices"`   // default 4
	DeviceGlob      string `yaml:"device_glob"`   // default /dev/video*
	ProbeFormats    bool   `yaml:"probe_formats"` // skip nodes without a colour format (needs v4l2-ctl)
	FFmpegPath      string `yaml:"ffmpeg_path"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	FPS             int    `yaml:"fps"`
	JPEGQuality     int    `yaml:"jpeg_quality"` // ffmpeg -q:v, 2 (best) to 31
	StreamFPS       int    `yaml:"stream_fps"`
	ReadTimeoutMs   int    `yaml:"read_timeout_ms"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms"`
	RescanIntervalS int    `yaml:"rescan_interval_s"` // 0 disables periodic rescans
	WatchDevices    bool   `yaml:"watch_devices"`     // rescan on /dev hot-plug events
}

// LEDConfig maps each camera to the BCM pin driving its LED.
type LEDConfig struct {
	Pins         map[int]int `yaml:"pins"`
	PWMFreqHz    int         `yaml:"pwm_frequency_hz"`
	DefaultLevel int         `yaml:"default_level"`
}

// SensorConfig selects the environment sensor.
type SensorConfig struct {
	Type           string `yaml:"type"` // dht11_iio, mock or none
	IIODir         string `yaml:"iio_dir"`
	PollIntervalMs int    `yaml:"poll_interval_ms"` // 0 = read on demand
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	Attempts       int    `yaml:"attempts"`
	MaxAgeMs       int    `yaml:"max_age_ms"`
}

// ExperimentConfig controls the output layout and tick timing.
type ExperimentConfig struct {
	StabilizationMs    int    `yaml:"stabilization_ms"` // LED settle time, default 200
	ImageExt           string `yaml:"image_ext"`
	TimestampLayout    string `yaml:"timestamp_layout"`
	SummaryFile        string `yaml:"summary_file"`
	FolderPrefix       string `yaml:"folder_prefix"`
	CaptureParallelism int    `yaml:"capture_parallelism"` // 0 = all cameras at once, 1 = sequential
}

// DefaultsConfig contains process-wide switches.
type DefaultsConfig struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	MockGPIO bool   `yaml:"mock_gpio"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Cameras    CamerasConfig    `yaml:"cameras"`
	LEDs       LEDConfig        `yaml:"leds"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// ValidateConfigPath rejects config paths that are empty, traverse upwards
// or are not YAML files.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("config path %q contains '..'", path)
		}
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .yml", path)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the configuration with defaults and
// environment overrides applied. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := ValidateConfigPath(path); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if len(data) > MaxConfigFileBytes {
			return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BASE_FOLDER_PATH"); v != "" {
		c.Storage.BaseFolder = v
	}
	if v := os.Getenv("MICROSCOPIO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Defaults.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5000
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		c.Server.ShutdownTimeoutMs = 10000
	}
	if c.Server.RateLimitPerMin <= 0 {
		c.Server.RateLimitPerMin = 120
	}

	if c.Storage.BaseFolder == "" {
		c.Storage.BaseFolder = "~/experimentos"
	}
	c.Storage.BaseFolder = expandHome(c.Storage.BaseFolder)

	if c.Cameras.MaxDevices <= 0 {
		c.Cameras.MaxDevices = 4
	}
	if c.Cameras.MockCount <= 0 {
		c.Cameras.MockCount = 2
	}
	if c.Cameras.DeviceGlob == "" {
		c.Cameras.DeviceGlob = "/dev/video*"
	}
	if c.Cameras.FFmpegPath == "" {
		c.Cameras.FFmpegPath = "ffmpeg"
	}
	if c.Cameras.Width <= 0 || c.Cameras.Height <= 0 {
		c.Cameras.Width, c.Cameras.Height = 1280, 720
	}
	if c.Cameras.FPS <= 0 {
		c.Cameras.FPS = 15
	}
	if c.Cameras.JPEGQuality <= 0 {
		c.Cameras.JPEGQuality = 3
	}
	if c.Cameras.StreamFPS <= 0 {
		c.Cameras.StreamFPS = 10
	}
	if c.Cameras.ReadTimeoutMs <= 0 {
		c.Cameras.ReadTimeoutMs = 3000
	}
	if c.Cameras.RetryBackoffMs <= 0 {
		c.Cameras.RetryBackoffMs = 300
	}

	if c.LEDs.Pins == nil {
		c.LEDs.Pins = map[int]int{0: 17, 1: 27, 2: 22, 3: 23}
	}
	if c.LEDs.PWMFreqHz <= 0 {
		c.LEDs.PWMFreqHz = 100
	}
	if c.LEDs.DefaultLevel == 0 {
		c.LEDs.DefaultLevel = 100
	}

	if c.Sensor.Type == "" {
		c.Sensor.Type = SensorDHT11IIO
	}
	if c.Sensor.ReadTimeoutMs <= 0 {
		c.Sensor.ReadTimeoutMs = 2000
	}
	if c.Sensor.Attempts <= 0 {
		c.Sensor.Attempts = 3
	}

	if c.Experiment.StabilizationMs <= 0 {
		c.Experiment.StabilizationMs = 200
	}
	if c.Experiment.ImageExt == "" {
		c.Experiment.ImageExt = "jpg"
	}
	if c.Experiment.TimestampLayout == "" {
		c.Experiment.TimestampLayout = "2006-01-02_15-04-05"
	}
	if c.Experiment.SummaryFile == "" {
		c.Experiment.SummaryFile = "resumen_dht.txt"
	}
	if c.Experiment.FolderPrefix == "" {
		c.Experiment.FolderPrefix = "Microscopio"
	}

	if c.Defaults.LogLevel == "" {
		c.Defaults.LogLevel = "info"
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	seen := make(map[int]int, len(c.LEDs.Pins))
	for cam, pin := range c.LEDs.Pins {
		if cam < 0 {
			return fmt.Errorf("leds.pins: negative camera id %d", cam)
		}
		if pin < 0 || pin > gpio.MaxBCMPin {
			return fmt.Errorf("leds.pins: camera %d uses pin %d, must be 0-%d", cam, pin, gpio.MaxBCMPin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("leds.pins: pin %d shared by cameras %d and %d", pin, other, cam)
		}
		seen[pin] = cam
	}
	if c.LEDs.DefaultLevel < 0 || c.LEDs.DefaultLevel > 100 {
		return fmt.Errorf("leds.default_level must be 0-100, got %d", c.LEDs.DefaultLevel)
	}
	switch c.Sensor.Type {
	case SensorDHT11IIO, SensorMock, SensorNone:
	default:
		return fmt.Errorf("sensor.type %q unknown (want %s, %s or %s)", c.Sensor.Type, SensorDHT11IIO, SensorMock, SensorNone)
	}
	if c.Sensor.PollIntervalMs < 0 {
		return fmt.Errorf("sensor.poll_interval_ms must be >= 0, got %d", c.Sensor.PollIntervalMs)
	}
	if c.Cameras.RescanIntervalS < 0 {
		return fmt.Errorf("cameras.rescan_interval_s must be >= 0, got %d", c.Cameras.RescanIntervalS)
	}
	if c.Experiment.CaptureParallelism < 0 {
		return fmt.Errorf("experiment.capture_parallelism must be >= 0, got %d", c.Experiment.CaptureParallelism)
	}
	if _, err := parseLevel(c.Defaults.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "error":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("defaults.log_level %q unknown", s)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LEDPins returns the LED map keyed by device id.
func (c *Config) LEDPins() map[device.ID]int {
	out := make(map[device.ID]int, len(c.LEDs.Pins))
	for cam, pin := range c.LEDs.Pins {
		out[device.ID(cam)] = pin
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ShutdownTimeout is the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration { return ms(c.Server.ShutdownTimeoutMs) }

// ReadHeaderTimeout bounds request header reads.
func (c *Config) ReadHeaderTimeout() time.Duration { return ms(c.Server.ReadHeaderTimeout) }

// Stabilization is the LED settle time inside a tick.
func (c *Config) Stabilization() time.Duration { return ms(c.Experiment.StabilizationMs) }

// ReadTimeout bounds one camera frame read.
func (c *Config) ReadTimeout() time.Duration { return ms(c.Cameras.ReadTimeoutMs) }

// RetryBackoff is the pause before a capture retry.
func (c *Config) RetryBackoff() time.Duration { return ms(c.Cameras.RetryBackoffMs) }

// RescanInterval is the period of device rescans, 0 when disabled.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.Cameras.RescanIntervalS) * time.Second
}

// SensorPollInterval is 0 in on-demand mode.
func (c *Config) SensorPollInterval() time.Duration { return ms(c.Sensor.PollIntervalMs) }

// SensorReadTimeout bounds one environment read.
func (c *Config) SensorReadTimeout() time.Duration { return ms(c.Sensor.ReadTimeoutMs) }

// SensorMaxAge is how old a polled reading may be.
func (c *Config) SensorMaxAge() time.Duration { return ms(c.Sensor.MaxAgeMs) }
