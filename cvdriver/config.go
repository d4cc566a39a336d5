package cvdriver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Inference confidence threshold needed to register a detected
	// object and post to MQTT.
	DEFAULT_CONFIDENCE_THRESHOLD = 0.5

	// Name of model to use for object detection.
	DEFAULT_ML_MODEL_NAME      = "face-detection-adas-0001"
	DEFAULT_ML_MODEL_BASE_PATH = "/tmp"

	DEFAULT_PRESET_PATH = "config/DefaultPreset_D435.json"

	// Interval on which the processed framerate is averaged and
	// published to MQTT.
	DEFAULT_FRAMERATE_INTERVAL = 30 * time.Second

	// Delay before reopening the camera session after any failure.
	DEFAULT_RECOVERY_BACKOFF = 10 * time.Second
)

// StreamConfig is the declarative depth+color stream setup, loaded once
// at startup from a visual-preset JSON file. Not hot-reloadable.
type StreamConfig struct {
	Width        int     `json:"stream-width"`
	Height       int     `json:"stream-height"`
	Framerate    int     `json:"stream-fps"`
	VisualPreset string  `json:"visual-preset"`
	DepthScale   float64 `json:"depth-scale"` // meters per depth unit

	Filter FilterParams `json:"depth-filter"`
}

// FilterParams controls the depth post-processing chain.
type FilterParams struct {
	DecimationMagnitude int     `json:"decimation-magnitude"`
	SpatialSmoothAlpha  float64 `json:"spatial-smooth-alpha"`
	SpatialSmoothDelta  int     `json:"spatial-smooth-delta"`
	TemporalSmoothAlpha float64 `json:"temporal-smooth-alpha"`
	TemporalSmoothDelta int     `json:"temporal-smooth-delta"`
	HolesFill           bool    `json:"holes-fill"`
}

// DetectorConfig describes the loaded model's expected input plane.
type DetectorConfig struct {
	InputWidth  int `json:"input-width"`
	InputHeight int `json:"input-height"`
}

// PipelineConfig gathers everything the detection pipeline needs. All
// retry/reporting policy lives here so it is injectable in tests.
type PipelineConfig struct {
	Stream   StreamConfig
	Detector DetectorConfig

	ModelName     string
	ModelBasePath string

	ConfidenceThreshold float32

	CycleDelay        time.Duration
	RecoveryBackoff   time.Duration
	FramerateInterval time.Duration

	SaveSnapshots bool
	SnapshotDir   string
}

// ModelPath returns the topology description file path (.xml).
func (c PipelineConfig) ModelPath() string {
	return filepath.Join(c.ModelBasePath, c.ModelName) + ".xml"
}

// WeightsPath returns the paired weights file path (.bin).
func (c PipelineConfig) WeightsPath() string {
	return filepath.Join(c.ModelBasePath, c.ModelName) + ".bin"
}

func defaultStreamConfig() StreamConfig {
	return StreamConfig{
		Width:      640,
		Height:     480,
		Framerate:  30,
		DepthScale: 0.001,
		Filter: FilterParams{
			DecimationMagnitude: 2,
			SpatialSmoothAlpha:  0.5,
			SpatialSmoothDelta:  20,
			TemporalSmoothAlpha: 0.4,
			TemporalSmoothDelta: 20,
			HolesFill:           true,
		},
	}
}

// LoadConfig reads the visual-preset file and applies env variable
// overrides. A missing preset file is not an error: the defaults match
// the D435 factory preset.
func LoadConfig(presetPath string) (PipelineConfig, error) {
	cfg := PipelineConfig{
		Stream:              defaultStreamConfig(),
		Detector:            DetectorConfig{InputWidth: 672, InputHeight: 384},
		ModelName:           DEFAULT_ML_MODEL_NAME,
		ModelBasePath:       DEFAULT_ML_MODEL_BASE_PATH,
		ConfidenceThreshold: DEFAULT_CONFIDENCE_THRESHOLD,
		RecoveryBackoff:     DEFAULT_RECOVERY_BACKOFF,
		FramerateInterval:   DEFAULT_FRAMERATE_INTERVAL,
		SnapshotDir:         "/tmp",
	}

	if presetPath == "" {
		presetPath = DEFAULT_PRESET_PATH
	}
	buf, err := os.ReadFile(presetPath)
	if err == nil {
		INFOLogger.Printf("Loading advanced config file: %s", presetPath)
		if err := json.Unmarshal(buf, &cfg.Stream); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *PipelineConfig) {
	if v := os.Getenv("CAMERA_FRAMERATE"); v != "" {
		INFOLogger.Printf("Setting camera framerate value provided in CAMERA_FRAMERATE env variable: %s", v)
		cfg.Stream.Framerate, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ML_MODEL_NAME"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("ML_MODEL_BASE_PATH"); v != "" {
		cfg.ModelBasePath = v
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.ConfidenceThreshold = float32(f)
		} else {
			WARNINGLogger.Printf("Unparseable CONFIDENCE_THRESHOLD env variable value: %s", v)
		}
	}
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		cfg.SnapshotDir = v
	}
	if v := os.Getenv("SAVE_SNAPSHOTS"); v != "" {
		cfg.SaveSnapshots = v == "1" || v == "true"
	}
	if v := os.Getenv("CYCLE_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.CycleDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RECOVERY_BACKOFF_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryBackoff = time.Duration(s) * time.Second
		}
	}
}
