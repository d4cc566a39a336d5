/*
 * Copyright (c) 2021 IBM Corp and others.
 *
 * All rights reserved. This program and the accompanying materials
 * are made available under the terms of the Eclipse Public License v2.0
 * and Eclipse Distribution License v1.0 which accompany this distribution.
 *
 * The Eclipse Public License is available at
 *    https://www.eclipse.org/legal/epl-2.0/
 * and the Eclipse Distribution License is available at
 *   http://www.eclipse.org/org/documents/edl-v10.php.
 *
 * Contributors:
 *    Seth Hoenig
 *    Allan Stockdill-Mander
 *    Mike Robertson
 */

package cvdriver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// MQTT topic layout. Every topic has an "/error" sibling for failure
// reporting.
const (
	TOPIC_BASE         = "edge-dev-kit/edge-cv/depth"
	TOPIC_REALSENSE    = TOPIC_BASE + "/realsense"
	TOPIC_NCS          = TOPIC_BASE + "/ncs"
	TOPIC_FRAMERATE    = TOPIC_BASE + "/framerate"
	TOPIC_STATE        = TOPIC_BASE + "/state"
	TOPIC_SNAPSHOT_CMD = TOPIC_BASE + "/cmd/snapshot"
)

const DEFAULT_MQTT_BROKER = "tcp://127.0.0.1:1883"

func errorTopic(topic string) string {
	return topic + "/error"
}

func NewMQTTClient() (mqtt.Client, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = DEFAULT_MQTT_BROKER
	}
	clientID := fmt.Sprintf("edge-cv-depth-%s", uuid.NewString()[:8])

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetAutoReconnect(true)

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	INFOLogger.Printf("Connected to MQTT broker %s as %s", broker, clientID)
	return c, nil
}

// SetupMQTTSubscriptionCallbacks registers the operator command
// subscriptions. A snapshot command makes the next pipeline cycle
// persist annotated frames even when periodic saving is off.
func SetupMQTTSubscriptionCallbacks(snapshotTriggerChan chan bool, client mqtt.Client) {
	token := client.Subscribe(TOPIC_SNAPSHOT_CMD, 0, func(client mqtt.Client, msg mqtt.Message) {
		INFOLogger.Printf("Snapshot requested over %s", msg.Topic())
		select {
		case snapshotTriggerChan <- true:
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		ERRORLogger.Printf("Could not subscribe to %s: %v", TOPIC_SNAPSHOT_CMD, token.Error())
	}
}

// ResultPublisher is the pipeline's outbound channel. Delivery is
// best-effort: implementations report failures out-of-band and never
// block or fail the calling cycle.
type ResultPublisher interface {
	PublishMessage(topic, payload string)
	PublishJSON(topic string, obj interface{})
	PublishImage(topic string, mat gocv.Mat)
	SaveAnnotatedImage(mat gocv.Mat, path string, boxes []image.Rectangle, annotation string) error
}

// MQTTSink publishes results over a shared MQTT connection and
// persists annotated snapshots to disk.
type MQTTSink struct {
	client mqtt.Client
}

func NewMQTTSink(client mqtt.Client) *MQTTSink {
	return &MQTTSink{client: client}
}

// PublishMessage logs and posts a message in the same action fire and
// forget. A delivery failure is reported on the error sibling topic
// and never surfaces to the caller.
func (s *MQTTSink) PublishMessage(topic, payload string) {
	INFOLogger.Printf("[%s] %s", topic, payload)
	token := s.client.Publish(topic, 1, false, payload)
	go s.watchDelivery(topic, token)
}

func (s *MQTTSink) PublishJSON(topic string, obj interface{}) {
	msg, err := json.Marshal(obj)
	if err != nil {
		ERRORLogger.Printf("Could not marshal message for topic %s: %v", topic, err)
		return
	}
	token := s.client.Publish(topic, 1, false, msg)
	go s.watchDelivery(topic, token)
}

// PublishImage posts a jpg/base64 rendering of mat.
func (s *MQTTSink) PublishImage(topic string, mat gocv.Mat) {
	imgBuf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		ERRORLogger.Printf("Could not encode image for topic %s: %v", topic, err)
		return
	}
	imgBytes := imgBuf.GetBytes()
	var b64bytes []byte = make([]byte, base64.StdEncoding.EncodedLen(len(imgBytes)))
	base64.StdEncoding.Encode(b64bytes, imgBytes)
	token := s.client.Publish(topic, 0, false, b64bytes)
	go s.watchDelivery(topic, token)
}

func (s *MQTTSink) watchDelivery(topic string, token mqtt.Token) {
	// The error-sibling publishes below are best effort, not watched: a
	// broken broker connection would just loop here otherwise.
	if !token.WaitTimeout(10 * time.Second) {
		ERRORLogger.Printf("Delivery to %s failed: confirmation timed out", topic)
		s.client.Publish(errorTopic(topic), 0, false, "delivery failure: confirmation timed out")
		return
	}
	if err := token.Error(); err != nil {
		ERRORLogger.Printf("Delivery to %s failed: %v", topic, err)
		s.client.Publish(errorTopic(topic), 0, false, fmt.Sprintf("delivery failure: %v", err))
	}
}

// SaveAnnotatedImage draws the detection boxes and annotation text on
// a copy of mat and writes it to path, overwriting the previous cycle's
// file so disk usage stays bounded.
func (s *MQTTSink) SaveAnnotatedImage(mat gocv.Mat, path string, boxes []image.Rectangle, annotation string) error {
	red := color.RGBA{R: 255}

	drawing := mat.Clone()
	defer drawing.Close()

	for _, box := range boxes {
		gocv.Rectangle(&drawing, box, red, 2)
	}
	if annotation != "" && len(boxes) > 0 {
		org := image.Pt(boxes[len(boxes)-1].Min.X, boxes[len(boxes)-1].Min.Y-5)
		gocv.PutText(&drawing, annotation, org, gocv.FontHersheySimplex, 0.75, red, 1)
	}

	if ok := gocv.IMWrite(path, drawing); !ok {
		return fmt.Errorf("could not write annotated image to %s", path)
	}
	return nil
}

// DepthColormap renders a depth frame as a jet-colored 8-bit mat for
// snapshots. The caller owns the returned mat.
func DepthColormap(df DepthFrame, depthScale float64) gocv.Mat {
	gray := gocv.Zeros(df.Height, df.Width, gocv.MatTypeCV8UC1)
	defer gray.Close()

	// Scale so ~4m of range covers the full 8-bit swing.
	maxUnits := 4.0 / depthScale
	for y := 0; y < df.Height; y++ {
		for x := 0; x < df.Width; x++ {
			v := float64(df.Samples[y*df.Width+x]) / maxUnits * 255
			if v > 255 {
				v = 255
			}
			gray.SetUCharAt(y, x, uint8(v))
		}
	}

	colored := gocv.NewMat()
	gocv.ApplyColorMap(gray, &colored, gocv.ColormapJet)
	return colored
}
