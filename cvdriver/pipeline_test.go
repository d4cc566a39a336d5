package cvdriver

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeCamera struct {
	mu     sync.Mutex
	calls  []string
	opened bool

	acquireErr  error
	acquireOnce bool
	depth       DepthFrame

	onOpen func(openCount int)
	opens  int
}

func newFakeCamera() *fakeCamera {
	samples := make([]uint16, 64*48)
	for i := range samples {
		samples[i] = 1500 // 1.5m everywhere
	}
	return &fakeCamera{depth: DepthFrame{Width: 64, Height: 48, Samples: samples}}
}

func (c *fakeCamera) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeCamera) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCamera) Open(cfg StreamConfig) error {
	c.record("open")
	c.mu.Lock()
	c.opened = true
	c.opens++
	opens := c.opens
	cb := c.onOpen
	c.mu.Unlock()
	if cb != nil {
		cb(opens)
	}
	return nil
}

func (c *fakeCamera) AcquireAlignedFrames() (FramePair, error) {
	c.record("acquire")
	if c.acquireErr != nil {
		err := c.acquireErr
		if c.acquireOnce {
			c.acquireErr = nil
		}
		return FramePair{}, err
	}
	return FramePair{
		Color: gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
		Depth: c.depth,
	}, nil
}

func (c *fakeCamera) ApplyDepthFilter(df DepthFrame) DepthFrame { return df }

func (c *fakeCamera) DistanceAt(df DepthFrame, x, y int) Distance {
	c.record(fmt.Sprintf("distance(%d,%d)", x, y))
	return distanceAt(df, x, y, 0.001)
}

func (c *fakeCamera) DeviceName() string   { return "Intel RealSense D435" }
func (c *fakeCamera) DeviceSerial() string { return "829212070982" }

func (c *fakeCamera) Close() error {
	c.record("close")
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
	return nil
}

type fakeDetector struct {
	detections map[int][]Detection
	inferErr   error
	closed     bool
}

func (d *fakeDetector) Infer(img gocv.Mat, threshold float32) (map[int][]Detection, error) {
	if d.inferErr != nil {
		return nil, d.inferErr
	}
	return d.detections, nil
}

func (d *fakeDetector) Close() error {
	d.closed = true
	return nil
}

type publishedMessage struct {
	topic   string
	payload string
}

type fakeSink struct {
	mu       sync.Mutex
	messages []publishedMessage
	saved    []string
}

func (s *fakeSink) PublishMessage(topic, payload string) {
	s.mu.Lock()
	s.messages = append(s.messages, publishedMessage{topic, payload})
	s.mu.Unlock()
}

func (s *fakeSink) PublishJSON(topic string, obj interface{}) {
	s.PublishMessage(topic, fmt.Sprintf("%+v", obj))
}

func (s *fakeSink) PublishImage(topic string, mat gocv.Mat) {
	s.PublishMessage(topic, "<image>")
}

func (s *fakeSink) SaveAnnotatedImage(mat gocv.Mat, path string, boxes []image.Rectangle, annotation string) error {
	s.mu.Lock()
	s.saved = append(s.saved, path)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) all() []publishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedMessage(nil), s.messages...)
}

func (s *fakeSink) payloadsOn(topic string) []string {
	var out []string
	for _, m := range s.all() {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Stream:              defaultStreamConfig(),
		ConfidenceThreshold: 0.5,
		FramerateInterval:   30 * time.Second,
	}
}

func newTestPipeline(camera DepthCamera, detector ObjectDetector, sink ResultPublisher) *DetectionPipeline {
	p := NewDetectionPipeline(testPipelineConfig(), camera,
		func() (ObjectDetector, error) { return detector, nil },
		sink, clock.NewMock())
	p.detector = detector
	return p
}

func TestRunCycleNoDetections(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	p := newTestPipeline(camera, &fakeDetector{detections: map[int][]Detection{}}, sink)

	require.NoError(t, p.runCycle())

	payloads := sink.payloadsOn(TOPIC_REALSENSE + "/829212070982")
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0], "objects: 0")
	assert.Contains(t, payloads[0], "No objects detected")

	// No distance lookups were made.
	for _, call := range camera.callLog() {
		assert.False(t, strings.HasPrefix(call, "distance"), "unexpected call %s", call)
	}
}

func TestRunCycleTwoBoxesOneClass(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	detections := map[int][]Detection{
		1: {
			{Box: image.Rect(2, 2, 10, 10), Confidence: 0.9},
			{Box: image.Rect(20, 20, 40, 40), Confidence: 0.7},
		},
	}
	p := newTestPipeline(camera, &fakeDetector{detections: detections}, sink)

	require.NoError(t, p.runCycle())

	var lookups []string
	for _, call := range camera.callLog() {
		if strings.HasPrefix(call, "distance") {
			lookups = append(lookups, call)
		}
	}
	assert.ElementsMatch(t, []string{"distance(6,6)", "distance(30,30)"}, lookups)

	payloads := sink.payloadsOn(TOPIC_REALSENSE + "/829212070982")
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0], "objects: 2")
	assert.Contains(t, payloads[0], "distance: 1.500 m")
}

func TestMeasureDistancesCenterInsideBox(t *testing.T) {
	camera := newFakeCamera()
	p := newTestPipeline(camera, &fakeDetector{}, &fakeSink{})

	detections := map[int][]Detection{
		1: {{Box: image.Rect(3, 5, 11, 20), Confidence: 0.8}},
		2: {{Box: image.Rect(0, 0, 1, 1), Confidence: 0.8}},
	}
	measurements := p.measureDistances(camera.depth, detections)

	require.Len(t, measurements, 2)
	for _, m := range measurements {
		assert.True(t, m.Center.In(m.Detection.Box),
			"center %v outside box %v", m.Center, m.Detection.Box)
	}
}

func TestMeasureDistancesDepthHole(t *testing.T) {
	camera := newFakeCamera()
	camera.depth.Samples[6*64+6] = 0
	p := newTestPipeline(camera, &fakeDetector{}, &fakeSink{})

	measurements := p.measureDistances(camera.depth, map[int][]Detection{
		1: {{Box: image.Rect(2, 2, 10, 10), Confidence: 0.9}},
	})

	require.Len(t, measurements, 1)
	assert.False(t, measurements[0].Distance.Valid)
}

func TestRunRecoversFromIncompleteFrame(t *testing.T) {
	camera := newFakeCamera()
	camera.acquireErr = ErrIncompleteFrame
	camera.acquireOnce = true
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	camera.onOpen = func(opens int) {
		if opens >= 2 {
			cancel()
		}
	}

	p := NewDetectionPipeline(testPipelineConfig(), camera,
		func() (ObjectDetector, error) { return &fakeDetector{detections: map[int][]Detection{}}, nil },
		sink, clock.NewMock())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not recover and stop in time")
	}

	// The failed session is closed before the next open.
	calls := camera.callLog()
	var sequence []string
	for _, c := range calls {
		if c == "open" || c == "close" || c == "acquire" {
			sequence = append(sequence, c)
		}
	}
	require.GreaterOrEqual(t, len(sequence), 4)
	assert.Equal(t, []string{"open", "acquire", "close", "open"}, sequence[:4])

	// The failure was reported on the error topic.
	errors := sink.payloadsOn(errorTopic(TOPIC_BASE))
	require.NotEmpty(t, errors)
	assert.Contains(t, errors[0], ErrIncompleteFrame.Error())

	assert.Equal(t, StateStopped, p.State())
	camera.mu.Lock()
	defer camera.mu.Unlock()
	assert.False(t, camera.opened, "camera session leaked across shutdown")
}

func TestRunStopsOnCancel(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	p := NewDetectionPipeline(testPipelineConfig(), camera,
		func() (ObjectDetector, error) { return &fakeDetector{detections: map[int][]Detection{}}, nil },
		sink, clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	camera.onOpen = func(int) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancellation")
	}
	assert.Equal(t, StateStopped, p.State())
	assert.Contains(t, camera.callLog(), "close")
}

func TestFrameRateCounter(t *testing.T) {
	p := newTestPipeline(newFakeCamera(), &fakeDetector{}, &fakeSink{})

	assert.Equal(t, 0, p.readAndResetFrameCount())
	p.incrementFrameCount()
	p.incrementFrameCount()
	p.incrementFrameCount()
	assert.Equal(t, 3, p.readAndResetFrameCount())
	// Resets to zero immediately after each report.
	assert.Equal(t, 0, p.readAndResetFrameCount())
}

func TestFramerateReporter(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	mock := clock.NewMock()
	p := NewDetectionPipeline(testPipelineConfig(), camera,
		func() (ObjectDetector, error) { return &fakeDetector{}, nil },
		sink, mock)

	for i := 0; i < 60; i++ {
		p.incrementFrameCount()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunFramerateReporter(ctx)

	// Let the reporter install its ticker before advancing time.
	time.Sleep(10 * time.Millisecond)
	mock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		return len(sink.payloadsOn(TOPIC_FRAMERATE)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.payloadsOn(TOPIC_FRAMERATE)[0], "2.00 fps")
	assert.Equal(t, 0, p.readAndResetFrameCount())

	// A second interval with no cycles reports zero.
	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(sink.payloadsOn(TOPIC_FRAMERATE)) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.payloadsOn(TOPIC_FRAMERATE)[1], "0.00 fps")
}

func TestSnapshotTrigger(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	p := newTestPipeline(camera, &fakeDetector{detections: map[int][]Detection{}}, sink)

	// Periodic saving off, no trigger: nothing persisted or published.
	require.NoError(t, p.runCycle())
	assert.Empty(t, sink.saved)
	assert.Empty(t, sink.payloadsOn(TOPIC_BASE+"/image"))

	// One-shot trigger: next cycle persists the snapshot set and sends
	// the frame back over MQTT.
	p.snapshotTriggerChan <- true
	require.NoError(t, p.runCycle())
	assert.Len(t, sink.saved, 3)
	assert.Len(t, sink.payloadsOn(TOPIC_BASE+"/image"), 1)

	// Trigger is consumed.
	sink.saved = nil
	require.NoError(t, p.runCycle())
	assert.Empty(t, sink.saved)
	assert.Len(t, sink.payloadsOn(TOPIC_BASE+"/image"), 1)
}

func TestPeriodicSnapshotDoesNotPublishImage(t *testing.T) {
	camera := newFakeCamera()
	sink := &fakeSink{}
	p := newTestPipeline(camera, &fakeDetector{detections: map[int][]Detection{}}, sink)
	p.cfg.SaveSnapshots = true

	require.NoError(t, p.runCycle())
	assert.Len(t, sink.saved, 3)
	// Only operator-requested snapshots go back over the wire.
	assert.Empty(t, sink.payloadsOn(TOPIC_BASE+"/image"))
}

func TestFormatSummary(t *testing.T) {
	measurements := []DistanceMeasurement{
		{
			ClassID:   1,
			Detection: Detection{Box: image.Rect(10, 20, 30, 40), Confidence: 0.87},
			Center:    image.Pt(20, 30),
			Distance:  Distance{Meters: 1.234, Valid: true},
		},
		{
			ClassID:   1,
			Detection: Detection{Box: image.Rect(1, 2, 3, 4), Confidence: 0.61},
			Center:    image.Pt(2, 3),
			Distance:  Distance{},
		},
	}

	summary := formatSummary(measurements)
	assert.Contains(t, summary, "objects: 2")
	assert.Contains(t, summary, "class: 1")
	assert.Contains(t, summary, "confidence: 0.87")
	assert.Contains(t, summary, "box: (10,20)-(30,40)")
	assert.Contains(t, summary, "center: (20,30)")
	assert.Contains(t, summary, "distance: 1.234 m")
	assert.Contains(t, summary, "distance: unavailable")
}
