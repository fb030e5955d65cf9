package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/microscopio/microscopio/internal/device"
)

// ErrClosed is returned by a Handle after Close or after its capture
// process went away.
var ErrClosed = errors.New("camera: handle closed")

// Discovery enumerates the camera devices currently attached to the host.
type Discovery interface {
	Scan(ctx context.Context) ([]device.ID, error)
}

// Opener opens an exclusive capture handle on one device.
type Opener interface {
	Open(ctx context.Context, id device.ID) (Handle, error)
}

// Handle is an open capture resource. It is not safe for concurrent use;
// callers serialize access per device.
type Handle interface {
	// ReadFrame returns one JPEG-encoded frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// DevicePath returns the V4L2 node for id.
func DevicePath(id device.ID) string {
	return fmt.Sprintf("/dev/video%d", id)
}
