package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/microscopio/microscopio/internal/device"
)

// ErrDisconnected is returned by MockOpener for unplugged devices.
var ErrDisconnected = errors.New("camera: device disconnected")

// MockOpener serves small synthetic JPEG frames. Devices can be unplugged
// and replugged to exercise reopen paths.
type MockOpener struct {
	mu       sync.Mutex
	gone     map[device.ID]bool
	failRead map[device.ID]int
	opens    map[device.ID]int
	handles  map[device.ID]int // currently open
}

// NewMockOpener returns an opener where every device is connected.
func NewMockOpener() *MockOpener {
	return &MockOpener{
		gone:     make(map[device.ID]bool),
		failRead: make(map[device.ID]int),
		opens:    make(map[device.ID]int),
		handles:  make(map[device.ID]int),
	}
}

func (m *MockOpener) Open(ctx context.Context, id device.ID) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens[id]++
	if m.gone[id] {
		return nil, fmt.Errorf("open %s: %w", DevicePath(id), ErrDisconnected)
	}
	m.handles[id]++
	return &mockHandle{m: m, id: id}, nil
}

// Unplug makes opens and reads for id fail.
func (m *MockOpener) Unplug(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone[id] = true
}

// Replug reconnects id.
func (m *MockOpener) Replug(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gone, id)
}

// FailReads makes the next n reads on id fail while the device stays
// connected.
func (m *MockOpener) FailReads(id device.ID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRead[id] = n
}

// Opens reports how many times Open was called for id.
func (m *MockOpener) Opens(id device.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[id]
}

// OpenHandles reports how many handles for id are not yet closed.
func (m *MockOpener) OpenHandles(id device.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

type mockHandle struct {
	m      *MockOpener
	id     device.ID
	closed bool
	seq    int
}

func (h *mockHandle) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.closed {
		return nil, ErrClosed
	}

	h.m.mu.Lock()
	gone := h.m.gone[h.id]
	fail := h.m.failRead[h.id] > 0
	if fail {
		h.m.failRead[h.id]--
	}
	h.m.mu.Unlock()

	switch {
	case gone:
		return nil, fmt.Errorf("read %s: %w", DevicePath(h.id), ErrDisconnected)
	case fail:
		return nil, fmt.Errorf("read %s: injected failure", DevicePath(h.id))
	}
	h.seq++
	return TestFrame(h.id, h.seq)
}

func (h *mockHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.m.mu.Lock()
	h.m.handles[h.id]--
	h.m.mu.Unlock()
	return nil
}

// TestFrame encodes a small solid-colour JPEG derived from id and seq.
func TestFrame(id device.ID, seq int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	c := color.Gray{Y: uint8(int(id)*40 + seq)}
	for y := range 16 {
		for x := range 16 {
			img.SetGray(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
