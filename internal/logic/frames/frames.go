// Package frames gives exclusive, self-healing access to the cameras.
//
// Every device has one slot holding its capture handle and a lock. Tick
// captures and live streams share that lock, so a device never serves two
// reads at once. A failed read closes the handle; the next access reopens
// it.
package frames

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/hw/camera"
	"github.com/microscopio/microscopio/internal/log"
	"github.com/microscopio/microscopio/internal/metrics"
)

var (
	// ErrCaptureFailed wraps every grab failure.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("frame source closed")
)

// State is the lifecycle of one device's capture handle.
type State int

const (
	Closed State = iota
	Opening
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options tunes capture. Zero values take the defaults noted per field.
type Options struct {
	// ReadTimeout bounds one frame read. Default 3s.
	ReadTimeout time.Duration
	// RetryBackoff is the pause before the single retry. Default 300ms.
	RetryBackoff time.Duration
	// StreamFPS caps live streams. Default 10.
	StreamFPS float64
}

type slot struct {
	mu    sync.Mutex
	state State
	h     camera.Handle
}

// Source multiplexes capture handles per device.
type Source struct {
	opener camera.Opener
	opts   Options
	log    zerolog.Logger

	mu     sync.Mutex
	slots  map[device.ID]*slot
	closed bool
}

// New returns a source with every device closed.
func New(opener camera.Opener, opts Options) *Source {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 300 * time.Millisecond
	}
	if opts.StreamFPS <= 0 {
		opts.StreamFPS = 10
	}
	return &Source{
		opener: opener,
		opts:   opts,
		log:    log.WithComponent("frames"),
		slots:  make(map[device.ID]*slot),
	}
}

func (s *Source) slot(id device.ID) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{}
		s.slots[id] = sl
	}
	return sl, nil
}

// State reports the handle state of id.
func (s *Source) State(id device.ID) State {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return Closed
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state
}

// ensureOpen moves a closed slot through Opening to Open. sl.mu must be held.
func (s *Source) ensureOpen(ctx context.Context, id device.ID, sl *slot) error {
	if sl.state == Open {
		return nil
	}
	sl.state = Opening
	h, err := s.opener.Open(ctx, id)
	metrics.RecordReopen(id, err == nil)
	if err != nil {
		sl.state = Closed
		return err
	}
	sl.h, sl.state = h, Open
	s.log.Debug().Int("device", int(id)).Msg("capture handle open")
	return nil
}

// drop closes the handle after a failure. sl.mu must be held.
func (s *Source) drop(id device.ID, sl *slot) {
	if sl.h != nil {
		_ = sl.h.Close()
		sl.h = nil
	}
	sl.state = Closed
}

// readOnce reads one frame, opening the device first if it is closed and
// opens allows it. It never drops the handle. sl.mu must be held.
func (s *Source) readOnce(ctx context.Context, id device.ID, sl *slot, opens *int) ([]byte, error) {
	if sl.state != Open {
		if *opens == 0 {
			return nil, errors.New("handle closed")
		}
		*opens--
		if err := s.ensureOpen(ctx, id, sl); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	f, err := sl.h.ReadFrame(rctx)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return f, nil
}

// Grab returns one frame from id. A closed handle gets one open attempt
// per call. A failed read is retried once after a fixed backoff, on a fresh
// handle when the open has not been spent yet, otherwise on the same one.
func (s *Source) Grab(ctx context.Context, id device.ID) ([]byte, error) {
	sl, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	opens := 1
	f, err := s.readOnce(ctx, id, sl, &opens)
	if err != nil && ctx.Err() == nil && (sl.state == Open || opens > 0) {
		s.log.Debug().Err(err).Int("device", int(id)).Msg("grab failed, retrying")
		if opens > 0 {
			s.drop(id, sl)
		}
		t := time.NewTimer(s.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
			f, err = s.readOnce(ctx, id, sl, &opens)
		}
	}
	if err != nil {
		s.drop(id, sl)
	} else if err = ctx.Err(); err == nil {
		metrics.RecordCapture(id, true)
		return f, nil
	}
	metrics.RecordCapture(id, false)
	return nil, fmt.Errorf("device %d: %w: %w", id, ErrCaptureFailed, err)
}

// Frames streams frames from id until ctx ends or a read fails. A failure
// is yielded once and ends the sequence; ranging again restarts the
// stream. Each frame holds the device lock only while it is read.
func (s *Source) Frames(ctx context.Context, id device.ID) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		lim := rate.NewLimiter(rate.Limit(s.opts.StreamFPS), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			sl, err := s.slot(id)
			if err != nil {
				yield(nil, err)
				return
			}
			opens := 1
			sl.mu.Lock()
			f, err := s.readOnce(ctx, id, sl, &opens)
			if err != nil {
				s.drop(id, sl)
			}
			sl.mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, fmt.Errorf("device %d: %w: %w", id, ErrCaptureFailed, err))
				}
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Release closes the handle of id, waiting for an in-flight read. The
// next access reopens it.
func (s *Source) Release(id device.ID) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.h != nil {
		s.log.Info().Int("device", int(id)).Msg("releasing capture handle")
	}
	s.drop(id, sl)
}

// Close releases every handle; later grabs fail with ErrClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	ids := make([]device.ID, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Release(id)
	}
	return nil
}
