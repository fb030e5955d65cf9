// Package registry tracks which camera devices are currently attached.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/camera"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

const debounce = 500 * time.Millisecond

// Listener is told about the devices that appeared or vanished on a rescan.
type Listener func(added, removed []device.ID)

// Registry holds the set of camera ids believed connected. Reads never
// block on a rescan in progress.
type Registry struct {
	disc camera.Discovery
	log  zerolog.Logger

	mu  sync.RWMutex
	ids []device.ID

	// scanMu orders rescans so listeners see diffs in sequence.
	scanMu    sync.Mutex
	listeners []Listener
}

// New returns an empty registry; call Rescan to populate it.
func New(disc camera.Discovery) *Registry {
	return &Registry{
		disc: disc,
		log:  log.WithComponent("registry"),
	}
}

// List returns the current device ids, sorted.
func (r *Registry) List() []device.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.ids)
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id device.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := slices.BinarySearch(r.ids, id)
	return ok
}

// OnChange registers fn to run after every rescan that changed the set.
func (r *Registry) OnChange(fn Listener) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Rescan re-probes the hardware and replaces the current set. On a probe
// error the previous set is kept.
func (r *Registry) Rescan(ctx context.Context) (added, removed []device.ID, err error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	next, err := r.disc.Scan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("rescan: %w", err)
	}
	next = device.Sorted(next)

	r.mu.Lock()
	added, removed = device.Diff(r.ids, next)
	r.ids = next
	r.mu.Unlock()

	metrics.SetDevicesConnected(len(next))
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil, nil
	}

	r.log.Info().
		Ints("added", device.Ints(added)).
		Ints("removed", device.Ints(removed)).
		Ints("devices", device.Ints(next)).
		Msg("device set changed")
	for _, fn := range r.listeners {
		fn(added, removed)
	}
	return added, removed, nil
}

// Watch rescans every interval and shortly after video nodes appear or
// vanish in dir. It returns when ctx is done. When dir cannot be watched
// only the periodic rescan runs.
func (r *Registry) Watch(ctx context.Context, dir string, interval time.Duration) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if dir != "" {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("hot-plug watch unavailable, polling only")
		} else {
			defer w.Close()
			events, errs = w.Events, w.Errors
		}
	}

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	settle := time.NewTimer(debounce)
	settle.Stop()
	defer settle.Stop()

	rescan := func(reason string) {
		if _, _, err := r.Rescan(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Str("trigger", reason).Msg("rescan failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			rescan("interval")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !isVideoNode(ev.Name) || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove)) {
				continue
			}
			r.log.Debug().Str("node", ev.Name).Str("op", ev.Op.String()).Msg("device node changed")
			settle.Reset(debounce)
		case <-settle.C:
			rescan("hotplug")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.log.Warn().Err(err).Msg("hot-plug watcher error")
		}
	}
}

func isVideoNode(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "video")
}
