package cvdriver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

const (
	CAMERA_FRAME_TIMEOUT = 5 * time.Second

	// One text header line precedes the binary stream:
	// "<device-name>;<serial>\n"
	CAMERA_HEADER_FIELDS = 2
)

var (
	RS_STREAMER_BIN = "rs-raw-streamer"
)

func init() {
	if bin := os.Getenv("RS_STREAMER_BIN"); bin != "" {
		RS_STREAMER_BIN = bin
	}
}

// DepthCamera is a stereo depth+color camera session. A single pipeline
// goroutine owns it; none of the methods are safe for concurrent use.
type DepthCamera interface {
	Open(cfg StreamConfig) error
	// AcquireAlignedFrames blocks until the next synchronized pair of
	// color and depth frames, depth resampled onto the color pixel grid.
	AcquireAlignedFrames() (FramePair, error)
	// ApplyDepthFilter runs the configured post-processing chain. The
	// returned frame may have smaller pixel dimensions than the input
	// (decimation). The temporal stage is stateful across calls.
	ApplyDepthFilter(df DepthFrame) DepthFrame
	// DistanceAt returns the calibrated range at pixel (x, y). Negative
	// x/y select the frame center. Depth holes yield an invalid
	// Distance, not an error.
	DistanceAt(df DepthFrame, x, y int) Distance
	DeviceName() string
	DeviceSerial() string
	// Close releases the session. Idempotent, safe after a failed
	// acquire.
	Close() error
}

// RealSenseCamera drives a RealSense D4xx through an external raw
// streamer process emitting one header line followed by fixed-size
// interleaved BGR8 color + Z16 depth planes on stdout, depth already
// aligned to the color stream.
type RealSenseCamera struct {
	cfg    StreamConfig
	cmd    *exec.Cmd
	out    io.ReadCloser
	reader *bufio.Reader
	filter *depthFilterChain

	name   string
	serial string

	frameTimeout time.Duration
}

func NewRealSenseCamera() *RealSenseCamera {
	return &RealSenseCamera{frameTimeout: CAMERA_FRAME_TIMEOUT}
}

func (c *RealSenseCamera) Open(cfg StreamConfig) error {
	if c.cmd != nil {
		return fmt.Errorf("camera session already open for %s", c.serial)
	}

	INFOLogger.Printf("Creating RealSense stream with image width: %d, image height: %d and %d FPS", cfg.Width, cfg.Height, cfg.Framerate)

	args := []string{
		"--width", fmt.Sprint(cfg.Width),
		"--height", fmt.Sprint(cfg.Height),
		"--framerate", fmt.Sprint(cfg.Framerate),
		"--align", "color",
		"-o", "-",
	}
	if cfg.VisualPreset != "" {
		args = append(args, "--preset", cfg.VisualPreset)
	}
	cmd := exec.Command(RS_STREAMER_BIN, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	reader := bufio.NewReader(out)
	header, err := readWithDeadline(c.frameTimeout, func() (string, error) {
		return reader.ReadString('\n')
	}, nil)
	if err != nil {
		out.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("%w: no stream header: %v", ErrDeviceUnavailable, err)
	}
	fields := strings.SplitN(strings.TrimSpace(header), ";", CAMERA_HEADER_FIELDS)
	if len(fields) != CAMERA_HEADER_FIELDS {
		out.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("%w: malformed stream header: %q", ErrDeviceUnavailable, header)
	}

	c.cfg = cfg
	c.cmd = cmd
	c.out = out
	c.reader = reader
	c.name = fields[0]
	c.serial = fields[1]
	c.filter = newDepthFilterChain(cfg.Filter)

	INFOLogger.Printf("Successfully initialised %s - Serial: %s", c.name, c.serial)
	return nil
}

func (c *RealSenseCamera) AcquireAlignedFrames() (FramePair, error) {
	if c.cmd == nil {
		return FramePair{}, ErrDeviceUnavailable
	}
	return readWithDeadline(c.frameTimeout, func() (FramePair, error) {
		return readFramePair(c.reader, c.cfg)
	}, func(frames FramePair) {
		frames.Color.Close()
	})
}

func (c *RealSenseCamera) ApplyDepthFilter(df DepthFrame) DepthFrame {
	if c.filter == nil {
		return df
	}
	return c.filter.process(df)
}

// DistanceAt reads the range sample aligned under pixel (x, y) of the
// color image. Reads do not mutate the frame: repeated lookups on one
// frame return the same value.
func (c *RealSenseCamera) DistanceAt(df DepthFrame, x, y int) Distance {
	return distanceAt(df, x, y, c.cfg.DepthScale)
}

func (c *RealSenseCamera) DeviceName() string   { return c.name }
func (c *RealSenseCamera) DeviceSerial() string { return c.serial }

func (c *RealSenseCamera) Close() error {
	if c.cmd == nil {
		return nil
	}
	c.out.Close()
	c.cmd.Process.Kill()
	c.cmd.Wait()
	c.cmd = nil
	c.out = nil
	c.reader = nil
	c.filter = nil
	INFOLogger.Printf("RealSense pipeline successfully closed for %s - Serial %s", c.name, c.serial)
	return nil
}

// readFramePair reads one BGR8 color plane followed by one Z16 depth
// plane. A short read on the first plane maps to ErrFrameTimeout (the
// stream died between frames); a short read on either plane once data
// started flowing maps to ErrIncompleteFrame.
func readFramePair(r *bufio.Reader, cfg StreamConfig) (FramePair, error) {
	w, h := cfg.Width, cfg.Height

	colorBuf := make([]byte, w*h*3)
	if n, err := io.ReadFull(r, colorBuf); err != nil {
		if n == 0 {
			return FramePair{}, fmt.Errorf("%w: %v", ErrFrameTimeout, err)
		}
		return FramePair{}, fmt.Errorf("%w: color plane: %v", ErrIncompleteFrame, err)
	}

	depthBuf := make([]byte, w*h*2)
	if _, err := io.ReadFull(r, depthBuf); err != nil {
		return FramePair{}, fmt.Errorf("%w: depth plane: %v", ErrIncompleteFrame, err)
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, colorBuf)
	if err != nil {
		return FramePair{}, err
	}

	samples := make([]uint16, w*h)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(depthBuf[2*i:])
	}

	return FramePair{
		Color: mat,
		Depth: DepthFrame{Width: w, Height: h, Samples: samples},
	}, nil
}

func distanceAt(df DepthFrame, x, y int, depthScale float64) Distance {
	// Default to the center of the given image plane.
	if x < 0 {
		x = df.Width / 2
	}
	if y < 0 {
		y = df.Height / 2
	}
	if x >= df.Width || y >= df.Height {
		return Distance{}
	}
	raw := df.Samples[y*df.Width+x]
	if raw == 0 {
		// Depth hole.
		return Distance{}
	}
	return Distance{Meters: float64(raw) * depthScale, Valid: true}
}

// readWithDeadline runs fn on its own goroutine and abandons it after
// the deadline. An abandoned read usually dies with its pipe when the
// session is torn down during recovery; if it completes anyway, its
// late result is drained and handed to discard so resources backed by
// native memory are released.
func readWithDeadline[T any](d time.Duration, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		return res.v, res.err
	case <-time.After(d):
		go func() {
			res := <-ch
			if res.err == nil && discard != nil {
				discard(res.v)
			}
		}()
		var zero T
		return zero, ErrFrameTimeout
	}
}
