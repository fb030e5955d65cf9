package camera

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microscopio/microscopio/internal/device"
)

func jpegBlob(payload string) []byte {
	b := append([]byte{}, jpegSOI...)
	b = append(b, payload...)
	return append(b, jpegEOI...)
}

func TestFrameScanner_SplitsConcatenatedFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("garbage")
	stream.Write(jpegBlob("one"))
	stream.Write(jpegBlob("two"))
	stream.WriteString("\x00\x01")
	stream.Write(jpegBlob("three"))
	stream.Write(jpegSOI) // truncated tail
	stream.WriteString("partial")

	sc := NewFrameScanner(&stream)
	var got []string
	for sc.Scan() {
		f := sc.Bytes()
		require.True(t, bytes.HasPrefix(f, jpegSOI))
		require.True(t, bytes.HasSuffix(f, jpegEOI))
		got = append(got, string(f[2:len(f)-2]))
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

// oneByteReader forces the split func to see markers cut across reads.
type oneByteReader struct{ r *bytes.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestFrameScanner_MarkersSplitAcrossReads(t *testing.T) {
	data := append(jpegBlob("a"), jpegBlob("bb")...)
	sc := NewFrameScanner(oneByteReader{bytes.NewReader(data)})

	var n int
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 2, n)
}

func TestFrameScanner_RealJPEG(t *testing.T) {
	a, err := TestFrame(1, 1)
	require.NoError(t, err)
	b, err := TestFrame(2, 1)
	require.NoError(t, err)

	sc := NewFrameScanner(bytes.NewReader(append(a, b...)))
	require.True(t, sc.Scan())
	assert.Equal(t, a, sc.Bytes())
	require.True(t, sc.Scan())
	assert.Equal(t, b, sc.Bytes())
	assert.False(t, sc.Scan())
}

func TestFFmpegOpener_Args(t *testing.T) {
	o := NewFFmpegOpener("", 1280, 720, 15, 3)
	args := strings.Join(o.args(2), " ")

	assert.Equal(t, "ffmpeg", o.Path)
	assert.Contains(t, args, "-f v4l2")
	assert.Contains(t, args, "-video_size 1280x720")
	assert.Contains(t, args, "-framerate 15")
	assert.Contains(t, args, "-i /dev/video2")
	assert.Contains(t, args, "-f image2pipe -c:v mjpeg -q:v 3 -")
}

func TestFFmpegOpener_MissingBinary(t *testing.T) {
	o := NewFFmpegOpener(filepath.Join(t.TempDir(), "no-ffmpeg"), 0, 0, 0, 0)
	_, err := o.Open(context.Background(), 0)
	assert.Error(t, err)
}

func TestMockOpener_UnplugAndReplug(t *testing.T) {
	ctx := context.Background()
	m := NewMockOpener()

	h, err := m.Open(ctx, 1)
	require.NoError(t, err)
	f, err := h.ReadFrame(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(f, jpegSOI))

	m.Unplug(1)
	_, err = h.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = m.Open(ctx, 1)
	assert.ErrorIs(t, err, ErrDisconnected)

	require.NoError(t, h.Close())
	assert.Zero(t, m.OpenHandles(1))
	_, err = h.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	m.Replug(1)
	h, err = m.Open(ctx, 1)
	require.NoError(t, err)
	_, err = h.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Opens(1))
}

func TestMockOpener_FailReads(t *testing.T) {
	ctx := context.Background()
	m := NewMockOpener()
	m.FailReads(0, 1)

	h, err := m.Open(ctx, 0)
	require.NoError(t, err)
	_, err = h.ReadFrame(ctx)
	assert.Error(t, err)
	_, err = h.ReadFrame(ctx)
	assert.NoError(t, err)
}

func TestLinuxDiscovery_ScanSortsAndCaps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"video10", "video2", "video0", "video3", "videoX", "media0"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	d := NewLinuxDiscovery(filepath.Join(dir, "video*"), 3, false)
	ids, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{0, 2, 3}, ids)

	d.MaxDevices = 0
	ids, err = d.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{0, 2, 3, 10}, ids)
}

func TestLinuxDiscovery_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video0"), nil, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLinuxDiscovery(filepath.Join(dir, "video*"), 0, false).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockDiscovery_AddRemove(t *testing.T) {
	m := NewMockDiscovery(2, 0)
	m.Add(1)
	m.Add(1)
	ids, err := m.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{0, 1, 2}, ids)

	m.Remove(0)
	ids, err = m.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.ID{1, 2}, ids)
}

func TestDeviceNumber(t *testing.T) {
	n, ok := deviceNumber("/dev/video12")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = deviceNumber("/dev/videoX")
	assert.False(t, ok)
}
