package cvdriver

import (
	"image"

	"gocv.io/x/gocv"
)

// DepthFrame holds per-pixel range samples aligned to the color image
// pixel grid. Samples are row-major, in depth-scale units (see
// StreamConfig.DepthScale). A sample of 0 is a depth hole.
type DepthFrame struct {
	Width   int
	Height  int
	Samples []uint16
}

// FramePair is one synchronized color+depth acquisition. The color mat
// is owned by the caller and must be closed before the next cycle.
type FramePair struct {
	Color gocv.Mat
	Depth DepthFrame
}

// Detection is a single detected object in color-image pixel coordinates.
type Detection struct {
	Box        image.Rectangle
	Confidence float32
}

// Distance is a range measurement in meters. Valid is false for depth
// holes and out-of-frame lookups.
type Distance struct {
	Meters float64
	Valid  bool
}

// DistanceMeasurement pairs a detection with the range measured at the
// center of its bounding box on the same cycle's depth frame.
type DistanceMeasurement struct {
	ClassID   int
	Detection Detection
	Center    image.Point
	Distance  Distance
}

type PipelineState byte

const (
	StateIdle PipelineState = iota
	StateInitializing
	StateRunning
	StateRecovering
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type PipelineStateMessage struct {
	State string
}

type FramerateMessage struct {
	Framerate float64
}
