package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/log"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxFrameSize = 16 << 20

// FFmpegOpener captures from V4L2 nodes through a long-lived ffmpeg
// process writing an MJPEG image2pipe stream to stdout.
type FFmpegOpener struct {
	Path    string // ffmpeg binary, "ffmpeg" when empty
	Width   int
	Height  int
	FPS     int
	Quality int // -q:v, 2 (best) to 31

	log zerolog.Logger
}

// NewFFmpegOpener returns an opener using the given capture geometry.
func NewFFmpegOpener(path string, width, height, fps, quality int) *FFmpegOpener {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegOpener{
		Path:    path,
		Width:   width,
		Height:  height,
		FPS:     fps,
		Quality: quality,
		log:     log.WithComponent("ffmpeg"),
	}
}

func (o *FFmpegOpener) args(id device.ID) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if o.Width > 0 && o.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height))
	}
	if o.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(o.FPS))
	}
	args = append(args, "-i", DevicePath(id), "-f", "image2pipe", "-c:v", "mjpeg")
	if o.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(o.Quality))
	}
	return append(args, "-")
}

// Open starts the capture process. The process outlives ctx; it is
// stopped by Handle.Close.
func (o *FFmpegOpener) Open(ctx context.Context, id device.ID) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, o.Path, o.args(id)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: stdout pipe: %w", DevicePath(id), err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: start ffmpeg: %w", DevicePath(id), err)
	}

	h := &ffmpegHandle{
		id:     id,
		cancel: cancel,
		frames: make(chan []byte, 1),
		exited: make(chan struct{}),
		log:    o.log.With().Int("device", int(id)).Logger(),
	}
	go h.pump(stdout, cmd, &stderr)
	o.log.Debug().Int("device", int(id)).Msg("capture process started")
	return h, nil
}

type ffmpegHandle struct {
	id     device.ID
	cancel context.CancelFunc
	frames chan []byte
	exited chan struct{}
	log    zerolog.Logger

	mu      sync.Mutex
	exitErr error
	once    sync.Once
}

// pump keeps only the most recent frame so a reader never gets a stale
// image after a long pause between ticks.
func (h *ffmpegHandle) pump(stdout io.Reader, cmd *exec.Cmd, stderr *bytes.Buffer) {
	defer close(h.exited)

	sc := NewFrameScanner(stdout)
	for sc.Scan() {
		frame := bytes.Clone(sc.Bytes())
		select {
		case <-h.frames:
		default:
		}
		h.frames <- frame
	}

	err := sc.Err()
	if werr := cmd.Wait(); err == nil && werr != nil {
		err = fmt.Errorf("ffmpeg exited: %w: %s", werr, bytes.TrimSpace(stderr.Bytes()))
	}
	if err == nil {
		err = ErrClosed
	}
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	h.log.Debug().Err(err).Msg("capture process ended")
}

func (h *ffmpegHandle) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-h.frames:
		return f, nil
	case <-h.exited:
		// Drain a frame that raced the exit.
		select {
		case f := <-h.frames:
			return f, nil
		default:
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		return nil, h.exitErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *ffmpegHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		<-h.exited
	})
	return nil
}

// NewFrameScanner returns a scanner yielding one complete JPEG image per
// token from a concatenated MJPEG stream.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	sc.Split(SplitJPEG)
	return sc
}

// SplitJPEG is a bufio.SplitFunc cutting a byte stream on JPEG SOI/EOI
// markers. Bytes before the first SOI are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}
