package cvdriver

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DetectionPipeline drives the acquire → infer → measure → publish
// cycle and owns the failure recovery policy: any error anywhere in
// the cycle is treated as transient, tears the camera session down and
// reopens it after a fixed backoff. The process only exits on operator
// cancellation.
//
// The camera and detector handles are owned exclusively by the Run
// goroutine. The frame counter is the single piece of state shared
// with the framerate reporter goroutine.
type DetectionPipeline struct {
	cfg    PipelineConfig
	camera DepthCamera
	sink   ResultPublisher
	clock  clock.Clock

	// loadDetector is called on every (re-)initialization, mirroring a
	// full accelerator reset after a failure.
	loadDetector func() (ObjectDetector, error)
	detector     ObjectDetector

	snapshotTriggerChan chan bool

	mu         sync.Mutex
	frameCount int
	state      PipelineState
}

func NewDetectionPipeline(cfg PipelineConfig, camera DepthCamera, loadDetector func() (ObjectDetector, error), sink ResultPublisher, clk clock.Clock) *DetectionPipeline {
	if clk == nil {
		clk = clock.New()
	}
	return &DetectionPipeline{
		cfg:                 cfg,
		camera:              camera,
		sink:                sink,
		clock:               clk,
		loadDetector:        loadDetector,
		snapshotTriggerChan: make(chan bool, 1),
		state:               StateIdle,
	}
}

// SnapshotTriggerChan exposes the one-shot snapshot request channel
// for the MQTT command subscription.
func (p *DetectionPipeline) SnapshotTriggerChan() chan bool {
	return p.snapshotTriggerChan
}

func (p *DetectionPipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *DetectionPipeline) setState(s PipelineState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.sink.PublishJSON(TOPIC_STATE, PipelineStateMessage{State: s.String()})
}

// Run is the supervisor loop: Initializing → Running → Recovering →
// Initializing … until ctx is cancelled, which releases all resources
// and enters Stopped.
func (p *DetectionPipeline) Run(ctx context.Context) {
	for ctx.Err() == nil {
		p.setState(StateInitializing)
		if err := p.initialize(); err != nil {
			p.recover(ctx, err)
			continue
		}

		p.setState(StateRunning)
		err := p.runLoop(ctx)
		if ctx.Err() != nil {
			break
		}
		p.recover(ctx, err)
	}

	p.shutdown()
}

func (p *DetectionPipeline) initialize() error {
	p.sink.PublishMessage(TOPIC_REALSENSE, "Initialising RealSense camera.")
	if err := p.camera.Open(p.cfg.Stream); err != nil {
		return fmt.Errorf("camera open: %w", err)
	}
	p.sink.PublishMessage(
		fmt.Sprintf("%s/%s", TOPIC_REALSENSE, p.camera.DeviceSerial()),
		fmt.Sprintf("Successfully initialised: %s - Serial no: %s", p.camera.DeviceName(), p.camera.DeviceSerial()),
	)

	p.sink.PublishMessage(TOPIC_NCS, "Initialising Intel Neural Compute Stick.")
	detector, err := p.loadDetector()
	if err != nil {
		return fmt.Errorf("detector load: %w", err)
	}
	p.detector = detector
	p.sink.PublishMessage(TOPIC_NCS, "Successfully initialised Neural Compute Stick")
	return nil
}

func (p *DetectionPipeline) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.runCycle(); err != nil {
			return err
		}
		p.incrementFrameCount()

		if err := p.wait(ctx, p.cfg.CycleDelay); err != nil {
			return err
		}
	}
}

// runCycle performs exactly one acquire → infer → measure → publish
// pass. The frame pair acquired here never outlives the cycle, so a
// distance is only ever measured on the depth frame captured together
// with the detection's color frame.
func (p *DetectionPipeline) runCycle() error {
	DEBUGLogger.Println("Getting color and depth frame from RealSense")
	frames, err := p.camera.AcquireAlignedFrames()
	if err != nil {
		return fmt.Errorf("frame acquisition: %w", err)
	}
	defer frames.Color.Close()

	DEBUGLogger.Println("Performing inference")
	detections, err := p.detector.Infer(frames.Color, p.cfg.ConfidenceThreshold)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	measurements := p.measureDistances(frames.Depth, detections)

	serial := p.camera.DeviceSerial()
	resultTopic := fmt.Sprintf("%s/%s", TOPIC_REALSENSE, serial)
	p.sink.PublishMessage(resultTopic, formatSummary(measurements))

	triggered, periodic := p.snapshotRequest()
	if triggered || periodic {
		p.saveSnapshots(frames, measurements)
	}
	if triggered {
		// An operator-requested snapshot also goes back over MQTT so
		// the frame can be inspected without shell access to the kit.
		p.sink.PublishImage(TOPIC_BASE+"/image", frames.Color)
	}
	return nil
}

// measureDistances computes the box midpoint of every detection and
// looks the range up on the unfiltered depth frame. Filtering changes
// the frame's pixel dimensions, so measuring on the filtered frame
// would mix coordinate spaces; the filtered frame is used for the
// colormap snapshot only.
func (p *DetectionPipeline) measureDistances(depth DepthFrame, detections map[int][]Detection) []DistanceMeasurement {
	var measurements []DistanceMeasurement
	for classID, dets := range detections {
		for _, det := range dets {
			center := boxCenter(det.Box)
			DEBUGLogger.Printf("Calculating depth to object at: %v", center)
			measurements = append(measurements, DistanceMeasurement{
				ClassID:   classID,
				Detection: det,
				Center:    center,
				Distance:  p.camera.DistanceAt(depth, center.X, center.Y),
			})
		}
	}
	return measurements
}

// formatSummary renders measurements as plain key: value text lines.
func formatSummary(measurements []DistanceMeasurement) string {
	if len(measurements) == 0 {
		return "objects: 0\nNo objects detected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "objects: %d", len(measurements))
	for i, m := range measurements {
		distance := "unavailable"
		if m.Distance.Valid {
			distance = fmt.Sprintf("%.3f m", m.Distance.Meters)
		}
		fmt.Fprintf(&b, "\nobject: %d class: %d confidence: %.2f box: (%d,%d)-(%d,%d) center: (%d,%d) distance: %s",
			i, m.ClassID, m.Detection.Confidence,
			m.Detection.Box.Min.X, m.Detection.Box.Min.Y,
			m.Detection.Box.Max.X, m.Detection.Box.Max.Y,
			m.Center.X, m.Center.Y, distance)
	}
	return b.String()
}

// snapshotRequest reports whether this cycle should persist snapshots:
// triggered by a one-shot operator command, or periodic via config.
func (p *DetectionPipeline) snapshotRequest() (triggered, periodic bool) {
	select {
	case <-p.snapshotTriggerChan:
		triggered = true
	default:
	}
	return triggered, p.cfg.SaveSnapshots
}

// saveSnapshots overwrites the fixed-name snapshot files: annotated
// color frame, raw depth colormap and filtered depth colormap. Pure
// side effect: failures are logged, never propagated into the cycle.
func (p *DetectionPipeline) saveSnapshots(frames FramePair, measurements []DistanceMeasurement) {
	boxes := make([]image.Rectangle, 0, len(measurements))
	annotation := ""
	for _, m := range measurements {
		boxes = append(boxes, m.Detection.Box)
		if m.Distance.Valid {
			annotation = fmt.Sprintf("Object: %.3f meters", m.Distance.Meters)
		}
	}

	if err := p.sink.SaveAnnotatedImage(frames.Color, filepath.Join(p.cfg.SnapshotDir, "image.bmp"), boxes, annotation); err != nil {
		ERRORLogger.Printf("Could not save annotated color frame: %v", err)
	}

	raw := DepthColormap(frames.Depth, p.cfg.Stream.DepthScale)
	defer raw.Close()
	if err := p.sink.SaveAnnotatedImage(raw, filepath.Join(p.cfg.SnapshotDir, "colormap.bmp"), boxes, annotation); err != nil {
		ERRORLogger.Printf("Could not save depth colormap: %v", err)
	}

	filtered := p.camera.ApplyDepthFilter(frames.Depth)
	filteredMap := DepthColormap(filtered, p.cfg.Stream.DepthScale)
	defer filteredMap.Close()
	// The filtered frame lives in its own (decimated) pixel space, so
	// the color-frame boxes do not apply to it.
	if err := p.sink.SaveAnnotatedImage(filteredMap, filepath.Join(p.cfg.SnapshotDir, "filtered_colormap.bmp"), nil, annotation); err != nil {
		ERRORLogger.Printf("Could not save filtered depth colormap: %v", err)
	}
}

// recover tears the session down and waits the fixed backoff. Close is
// idempotent, so recovering from an initialization failure where the
// camera never opened is safe.
func (p *DetectionPipeline) recover(ctx context.Context, cause error) {
	p.setState(StateRecovering)

	if err := p.camera.Close(); err != nil {
		ERRORLogger.Printf("Camera close during recovery: %v", err)
	}
	p.closeDetector()

	p.sink.PublishMessage(errorTopic(TOPIC_BASE), cause.Error())
	p.wait(ctx, p.cfg.RecoveryBackoff)
}

func (p *DetectionPipeline) closeDetector() {
	if p.detector == nil {
		return
	}
	if err := p.detector.Close(); err != nil {
		ERRORLogger.Printf("Detector close: %v", err)
	}
	p.detector = nil
}

func (p *DetectionPipeline) shutdown() {
	p.setState(StateStopped)
	if err := p.camera.Close(); err != nil {
		ERRORLogger.Printf("Camera close during shutdown: %v", err)
	}
	p.closeDetector()
	INFOLogger.Println("Detection pipeline stopped")
}

func (p *DetectionPipeline) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *DetectionPipeline) incrementFrameCount() {
	p.mu.Lock()
	p.frameCount++
	p.mu.Unlock()
}

func (p *DetectionPipeline) readAndResetFrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.frameCount
	p.frameCount = 0
	return n
}

// RunFramerateReporter wakes on the configured wall-clock interval,
// reads and resets the cycle counter and publishes the averaged
// framerate. Runs on its own goroutine for the process lifetime.
func (p *DetectionPipeline) RunFramerateReporter(ctx context.Context) {
	interval := p.cfg.FramerateInterval
	if interval <= 0 {
		interval = DEFAULT_FRAMERATE_INTERVAL
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames := p.readAndResetFrameCount()
			rate := float64(frames) / interval.Seconds()
			p.sink.PublishMessage(TOPIC_FRAMERATE, fmt.Sprintf("RealSense RasPi4 capturing %.2f fps", rate))
			p.sink.PublishJSON(TOPIC_FRAMERATE+"/json", FramerateMessage{Framerate: rate})
		}
	}
}
