package cvdriver

import (
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

// Detection-output proposals are rows of 7 floats:
// [imageID, label, confidence, xMin, yMin, xMax, yMax]
const PROPOSAL_ROW_SIZE = 7

// ObjectDetector runs single-image inference and returns bounding
// boxes grouped by detected class. An empty map means no detections.
type ObjectDetector interface {
	Infer(img gocv.Mat, confidenceThreshold float32) (map[int][]Detection, error)
	Close() error
}

// DNNDetector wraps a gocv DNN net loaded from an OpenVINO IR
// topology/weights pair, targeting the MYRIAD VPU.
type DNNDetector struct {
	net         gocv.Net
	inputWidth  int
	inputHeight int
}

// LoadDetector reads the IR pair and validates the topology once, at
// load time: both files present, net non-empty, and a probe forward
// pass on a blank input producing a DetectionOutput-shaped result.
func LoadDetector(modelPath, weightsPath string, cfg DetectorConfig) (*DNNDetector, error) {
	INFOLogger.Printf("Loading network files:\n\t%s\n\t%s", modelPath, weightsPath)

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: model file %s: %v", ErrModelLoad, modelPath, err)
	}
	if _, err := os.Stat(weightsPath); err != nil {
		return nil, fmt.Errorf("%w: weights file %s: %v", ErrModelLoad, weightsPath, err)
	}

	net := gocv.ReadNet(modelPath, weightsPath)
	if net.Empty() {
		return nil, fmt.Errorf("%w: could not read network from %s", ErrModelLoad, modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendOpenVINO)
	net.SetPreferableTarget(gocv.NetTargetVPU)

	d := &DNNDetector{
		net:         net,
		inputWidth:  cfg.InputWidth,
		inputHeight: cfg.InputHeight,
	}

	if err := d.probeTopology(); err != nil {
		net.Close()
		return nil, err
	}
	return d, nil
}

// probeTopology runs one forward pass on a blank input and checks the
// output tensor is rows of 7-element proposals. Per-inference calls
// assume this shape and do not re-validate.
func (d *DNNDetector) probeTopology() error {
	blank := gocv.Zeros(d.inputHeight, d.inputWidth, gocv.MatTypeCV8UC3)
	defer blank.Close()

	out, err := d.forward(blank)
	if err != nil {
		return fmt.Errorf("%w: probe inference: %v", ErrUnsupportedTopology, err)
	}
	defer out.Close()

	total := out.Total()
	if total == 0 || total%PROPOSAL_ROW_SIZE != 0 {
		return fmt.Errorf("%w: output tensor of %d elements is not a DetectionOutput layer", ErrUnsupportedTopology, total)
	}
	return nil
}

func (d *DNNDetector) forward(img gocv.Mat) (gocv.Mat, error) {
	blob := gocv.BlobFromImage(img, 1.0,
		image.Pt(d.inputWidth, d.inputHeight),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	if out.Empty() {
		out.Close()
		return gocv.Mat{}, fmt.Errorf("empty inference output")
	}
	return out, nil
}

// Infer resizes img to the model input plane, runs one forward pass
// and returns the proposals above confidenceThreshold, scaled back to
// img's pixel dimensions and grouped by class.
func (d *DNNDetector) Infer(img gocv.Mat, confidenceThreshold float32) (map[int][]Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("inference requested on an empty image")
	}

	out, err := d.forward(img)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	flat := out.Clone()
	defer flat.Close()
	data, err := flat.DataPtrFloat32()
	if err != nil {
		return nil, err
	}

	return parseProposals(data, img.Cols(), img.Rows(), confidenceThreshold), nil
}

func (d *DNNDetector) Close() error {
	return d.net.Close()
}

// parseProposals filters raw DetectionOutput rows by confidence and
// maps the normalized coordinates onto a width×height pixel plane.
// Degenerate boxes (no pixel area after clamping) are dropped.
func parseProposals(data []float32, width, height int, confidenceThreshold float32) map[int][]Detection {
	bounds := image.Rect(0, 0, width, height)
	detections := map[int][]Detection{}

	for i := 0; i+PROPOSAL_ROW_SIZE <= len(data); i += PROPOSAL_ROW_SIZE {
		confidence := data[i+2]
		if !(confidence > confidenceThreshold) {
			continue
		}
		classID := int(data[i+1])
		box := image.Rect(
			int(data[i+3]*float32(width)),
			int(data[i+4]*float32(height)),
			int(data[i+5]*float32(width)),
			int(data[i+6]*float32(height)),
		).Intersect(bounds)
		if box.Dx() < 1 || box.Dy() < 1 {
			continue
		}
		detections[classID] = append(detections[classID], Detection{
			Box:        box,
			Confidence: confidence,
		})
	}
	return detections
}

// boxCenter is the midpoint of a detection box. For any box with pixel
// area the midpoint lies within the box itself.
func boxCenter(box image.Rectangle) image.Point {
	return image.Pt(
		box.Min.X+box.Dx()/2,
		box.Min.Y+box.Dy()/2,
	)
}
