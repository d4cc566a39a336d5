package cvdriver

import "errors"

var (
	// Camera layer.
	ErrDeviceUnavailable = errors.New("no matching depth camera device available")
	ErrFrameTimeout      = errors.New("timed out waiting for a synchronized frame")
	ErrIncompleteFrame   = errors.New("only one of the color/depth streams delivered a frame")

	// Detector layer.
	ErrModelLoad           = errors.New("failed to load detection model")
	ErrUnsupportedTopology = errors.New("model topology not supported")
)
