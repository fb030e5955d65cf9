// Package metrics exposes Prometheus collectors for the rig.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/microscopio/microscopio/internal/device"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microscopio_experiment_ticks_total",
		Help: "Capture ticks executed across all runs",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "microscopio_experiment_tick_duration_seconds",
		Help:    "Wall time of one capture tick, illumination included",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	experimentRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microscopio_experiment_running",
		Help: "Whether an experiment run is in progress (1) or not (0)",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microscopio_experiment_runs_total",
		Help: "Finished experiment runs by outcome",
	}, []string{"outcome"}) // outcome=completed|stopped|faulted

	captureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microscopio_capture_total",
		Help: "Frame grabs per device by result",
	}, []string{"device", "result"}) // result=success|failure

	reopenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microscopio_capture_reopen_total",
		Help: "Capture handle (re)opens per device by result",
	}, []string{"device", "result"})

	sensorReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microscopio_sensor_reads_total",
		Help: "Environment sensor reads by result",
	}, []string{"result"})

	temperature = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microscopio_temperature_celsius",
		Help: "Last successful ambient temperature reading",
	})

	humidity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microscopio_humidity_percent",
		Help: "Last successful relative humidity reading",
	})

	ledDuty = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "microscopio_led_duty_percent",
		Help: "PWM duty currently applied per device LED",
	}, []string{"device"})

	illuminationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microscopio_illumination_failures_total",
		Help: "LED drive failures per device",
	}, []string{"device"})

	devicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microscopio_devices_connected",
		Help: "Camera devices in the registry after the last rescan",
	})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "microscopio_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordTick counts one finished capture tick.
func RecordTick(d time.Duration) {
	ticksTotal.Inc()
	tickDuration.Observe(d.Seconds())
}

// SetRunning flips the running gauge.
func SetRunning(running bool) {
	if running {
		experimentRunning.Set(1)
		return
	}
	experimentRunning.Set(0)
}

// RecordRunOutcome counts a finished run.
func RecordRunOutcome(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
}

// RecordCapture counts one grab for id.
func RecordCapture(id device.ID, ok bool) {
	captureTotal.WithLabelValues(id.String(), result(ok)).Inc()
}

// RecordReopen counts one open attempt for id.
func RecordReopen(id device.ID, ok bool) {
	reopenTotal.WithLabelValues(id.String(), result(ok)).Inc()
}

// RecordSensorRead counts one sensor read and publishes the values on success.
func RecordSensorRead(ok bool, tempC, humidityPct float64) {
	sensorReads.WithLabelValues(result(ok)).Inc()
	if ok {
		temperature.Set(tempC)
		humidity.Set(humidityPct)
	}
}

// SetLEDDuty publishes the duty applied to id's LED.
func SetLEDDuty(id device.ID, percent int) {
	ledDuty.WithLabelValues(id.String()).Set(float64(percent))
}

// RecordIlluminationFailure counts a failed LED drive for id.
func RecordIlluminationFailure(id device.ID) {
	illuminationFailures.WithLabelValues(id.String()).Inc()
}

// SetDevicesConnected publishes the registry size.
func SetDevicesConnected(n int) {
	devicesConnected.Set(float64(n))
}

// RecordHTTP observes one served request. path is the route pattern.
func RecordHTTP(method, path string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
