package gpio

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscopio/microscopio/internal/log"
)

// fakePins records register operations in order.
type fakePins struct {
	mu     sync.Mutex
	calls  []string
	levels map[int]Level
	duty   map[int]int
	closed bool
}

func newFakePins() *fakePins {
	return &fakePins{levels: map[int]Level{}, duty: map[int]int{}}
}

func (f *fakePins) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakePins) Input(pin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("input %d", pin)
}

func (f *fakePins) Output(pin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("output %d", pin)
}

func (f *fakePins) PWM(pin int, freqHz int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pwm %d %d", pin, freqHz)
}

func (f *fakePins) Write(pin int, level Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[pin] = level
}

func (f *fakePins) Read(pin int) Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

func (f *fakePins) SetDutyCycle(pin int, duty int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duty[pin] = duty
	f.record("duty %d %d", pin, duty)
}

func (f *fakePins) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePins) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestRPiDriver_HardwarePinSetupAsOutputUsesPWM(t *testing.T) {
	io := newFakePins()
	d := newRPiDriver(io, 100, log.Nop())

	require.NoError(t, d.SetupPin(18, Output))
	require.NoError(t, d.SetDuty(18, 60))
	require.NoError(t, d.SetDuty(18, 20))

	assert.Equal(t, []string{
		"pwm 18 10000",
		"duty 18 0",
		"duty 18 60",
		"duty 18 20",
	}, io.history())
}

func TestRPiDriver_HardwarePinLeavesInputForPWMOnFirstDuty(t *testing.T) {
	io := newFakePins()
	d := newRPiDriver(io, 100, log.Nop())

	require.NoError(t, d.SetupPin(12, Input))
	require.NoError(t, d.SetDuty(12, 75))

	assert.Equal(t, []string{"input 12", "pwm 12 10000", "duty 12 75"}, io.history())
}

func TestRPiDriver_WritePinOnPWMPinSetsFullDuty(t *testing.T) {
	io := newFakePins()
	d := newRPiDriver(io, 100, log.Nop())

	require.NoError(t, d.SetupPin(13, Output))
	require.NoError(t, d.WritePin(13, High))
	assert.Equal(t, 100, io.duty[13])
	require.NoError(t, d.WritePin(13, Low))
	assert.Equal(t, 0, io.duty[13])
	assert.NotContains(t, io.history(), "output 13")
}

func TestRPiDriver_SoftwarePinExtremesAreLevels(t *testing.T) {
	io := newFakePins()
	d := newRPiDriver(io, 100, log.Nop())

	require.NoError(t, d.SetupPin(17, Output))
	require.NoError(t, d.SetDuty(17, 100))
	lvl, err := d.ReadPin(17)
	require.NoError(t, err)
	assert.Equal(t, High, lvl)

	require.NoError(t, d.SetDuty(17, 0))
	lvl, err = d.ReadPin(17)
	require.NoError(t, err)
	assert.Equal(t, Low, lvl)

	assert.Equal(t, []string{"output 17"}, io.history(), "software pins never touch the PWM peripheral")
}

func TestRPiDriver_SoftwarePWMStopsOnClose(t *testing.T) {
	io := newFakePins()
	d := newRPiDriver(io, 100, log.Nop())

	require.NoError(t, d.SetupPin(27, Output))
	require.NoError(t, d.SetDuty(27, 50))
	require.NoError(t, d.SetDuty(18, 40))
	require.NoError(t, d.Close())

	assert.True(t, io.closed)
	assert.Equal(t, Low, io.Read(27))
	assert.Equal(t, 0, io.duty[18])
	assert.Empty(t, d.soft)
}
