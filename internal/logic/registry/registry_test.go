package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/camera"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRescan_ReportsDiff(t *testing.T) {
	disc := camera.NewMockDiscovery(0, 1)
	r := New(disc)

	added, removed, err := r.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{0, 1}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []device.ID{0, 1}, r.List())

	disc.Remove(1)
	disc.Add(3)
	added, removed, err = r.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{3}, added)
	assert.Equal(t, []device.ID{1}, removed)
	assert.True(t, r.Contains(3))
	assert.False(t, r.Contains(1))

	added, removed, err = r.Rescan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestRescan_ErrorKeepsPreviousSet(t *testing.T) {
	disc := camera.NewMockDiscovery(2)
	r := New(disc)
	_, _, err := r.Rescan(context.Background())
	require.NoError(t, err)

	disc.SetError(errors.New("v4l2 busy"))
	_, _, err = r.Rescan(context.Background())
	require.Error(t, err)
	assert.Equal(t, []device.ID{2}, r.List())
}

func TestOnChange_CalledOnlyOnChange(t *testing.T) {
	disc := camera.NewMockDiscovery(0)
	r := New(disc)

	var calls [][2][]device.ID
	r.OnChange(func(added, removed []device.ID) {
		calls = append(calls, [2][]device.ID{added, removed})
	})

	_, _, _ = r.Rescan(context.Background())
	_, _, _ = r.Rescan(context.Background())
	disc.Remove(0)
	_, _, _ = r.Rescan(context.Background())

	require.Len(t, calls, 2)
	assert.Equal(t, []device.ID{0}, calls[0][0])
	assert.Equal(t, []device.ID{0}, calls[1][1])
}

func TestList_ReturnsCopy(t *testing.T) {
	r := New(camera.NewMockDiscovery(0, 1))
	_, _, _ = r.Rescan(context.Background())

	ids := r.List()
	ids[0] = 99
	assert.Equal(t, []device.ID{0, 1}, r.List())
}

func TestRescan_ConcurrentWithReads(t *testing.T) {
	disc := camera.NewMockDiscovery(0, 1, 2)
	r := New(disc)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if i%2 == 0 {
					_, _, _ = r.Rescan(context.Background())
				} else {
					_ = r.List()
					_ = r.Contains(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []device.ID{0, 1, 2}, r.List())
}

func TestWatch_HotplugTriggersRescan(t *testing.T) {
	dir := t.TempDir()
	disc := camera.NewMockDiscovery()
	r := New(disc)

	changed := make(chan []device.ID, 4)
	r.OnChange(func(added, _ []device.ID) { changed <- added })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, dir, time.Hour) }()

	// Give the watcher time to register before creating the node.
	time.Sleep(100 * time.Millisecond)
	disc.Add(4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video4"), nil, 0o644))

	select {
	case added := <-changed:
		assert.Equal(t, []device.ID{4}, added)
	case <-time.After(5 * time.Second):
		t.Fatal("no rescan after hot-plug event")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_MissingDirFallsBackToPolling(t *testing.T) {
	disc := camera.NewMockDiscovery(1)
	r := New(disc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, filepath.Join(t.TempDir(), "missing"), 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return r.Contains(1) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestIsVideoNode(t *testing.T) {
	assert.True(t, isVideoNode("/dev/video0"))
	assert.False(t, isVideoNode("/dev/media0"))
}
