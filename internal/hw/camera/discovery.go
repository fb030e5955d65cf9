package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/log"
)

var videoNode = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery finds V4L2 capture nodes under /dev.
type LinuxDiscovery struct {
	// Glob is the device node pattern, /dev/video* when empty.
	Glob string
	// MaxDevices caps the number of ids returned. Zero means no cap.
	MaxDevices int
	// ProbeFormats asks v4l2-ctl for the node's formats and skips nodes
	// that offer no colour format (metadata and IR nodes on most UVC cams).
	ProbeFormats bool

	log zerolog.Logger
}

// NewLinuxDiscovery returns a discovery bound to glob.
func NewLinuxDiscovery(glob string, maxDevices int, probeFormats bool) *LinuxDiscovery {
	if glob == "" {
		glob = "/dev/video*"
	}
	return &LinuxDiscovery{
		Glob:         glob,
		MaxDevices:   maxDevices,
		ProbeFormats: probeFormats,
		log:          log.WithComponent("discovery"),
	}
}

func (d *LinuxDiscovery) Scan(ctx context.Context) ([]device.ID, error) {
	matches, err := filepath.Glob(d.Glob)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.Glob, err)
	}

	var ids []device.ID
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := deviceNumber(m)
		if !ok || !readable(m) {
			continue
		}
		if d.ProbeFormats && !hasColorFormat(ctx, m) {
			d.log.Debug().Str("node", m).Msg("skipping node without colour format")
			continue
		}
		ids = append(ids, device.ID(n))
	}

	ids = device.Sorted(ids)
	if d.MaxDevices > 0 && len(ids) > d.MaxDevices {
		ids = ids[:d.MaxDevices]
	}
	return ids, nil
}

func deviceNumber(path string) (int, bool) {
	m := videoNode.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func readable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func hasColorFormat(ctx context.Context, node string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", node, "--list-formats-ext").Output()
	if err != nil {
		return false
	}
	s := string(out)
	return strings.Contains(s, "YUYV") || strings.Contains(s, "MJPG")
}

// MockDiscovery is an in-memory Discovery for tests and development.
type MockDiscovery struct {
	mu  sync.Mutex
	ids []device.ID
	err error
}

// NewMockDiscovery returns a discovery reporting ids.
func NewMockDiscovery(ids ...device.ID) *MockDiscovery {
	return &MockDiscovery{ids: device.Sorted(ids)}
}

func (m *MockDiscovery) Scan(ctx context.Context) ([]device.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.ids), nil
}

// Add plugs in a device.
func (m *MockDiscovery) Add(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = device.Sorted(append(m.ids, id))
}

// Remove unplugs a device.
func (m *MockDiscovery) Remove(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = slices.DeleteFunc(m.ids, func(v device.ID) bool { return v == id })
}

// SetError makes subsequent scans fail with err (nil clears it).
func (m *MockDiscovery) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
