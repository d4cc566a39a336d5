package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.edge-cv-depth.gocv-driver/cvdriver"
)

func main() {
	cfg, err := cvdriver.LoadConfig(os.Getenv("CAMERA_PRESET_PATH"))
	if err != nil {
		cvdriver.ERRORLogger.Fatal(err)
	}

	client, err := cvdriver.NewMQTTClient()
	if err != nil {
		cvdriver.ERRORLogger.Fatal(err)
	}

	sink := cvdriver.NewMQTTSink(client)
	camera := cvdriver.NewRealSenseCamera()
	loadDetector := func() (cvdriver.ObjectDetector, error) {
		return cvdriver.LoadDetector(cfg.ModelPath(), cfg.WeightsPath(), cfg.Detector)
	}

	pipeline := cvdriver.NewDetectionPipeline(cfg, camera, loadDetector, sink, nil)
	cvdriver.SetupMQTTSubscriptionCallbacks(pipeline.SnapshotTriggerChan(), client)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pipeline.RunFramerateReporter(ctx)
	pipeline.Run(ctx)

	client.Disconnect(250)
}
