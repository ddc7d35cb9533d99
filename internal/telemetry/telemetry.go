// Package telemetry publishes estimator output over MQTT so dashboards
// and downstream consumers can follow a live run without polling the
// HTTP API.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/attitude.report/internal/ahrs"
)

// calibrationEvery is the number of state publishes between calibration
// snapshots. Bias and scale estimates move much slower than attitude.
const calibrationEvery = 10

// StateSource is the slice of the estimator the publisher reads.
type StateSource interface {
	State() ahrs.State
	StateError() []float64
	Calibration() ahrs.Calibration
	Faults() ahrs.FaultCount
}

// publishClient is the part of mqtt.Client the publisher uses. Tests
// substitute a recording fake.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher pushes estimator snapshots to an MQTT broker: state to
// <topic>/state on every interval, calibration to <topic>/calibration
// every few publishes. Messages are retained so late subscribers get
// the latest value immediately.
type Publisher struct {
	client publishClient
	topic  string
}

type stateMessage struct {
	Time       string     `json:"time"`
	State      ahrs.State `json:"state"`
	StateError []float64  `json:"state_error"`
	Faults     uint64     `json:"faults"`
}

type calibrationMessage struct {
	Time        string           `json:"time"`
	Calibration ahrs.Calibration `json:"calibration"`
}

// Connect dials the broker and returns a publisher rooted at topic.
func Connect(broker, topic, clientID string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, token.Error())
	}
	log.Printf("[telemetry] connected to %s, publishing under %s/", broker, topic)
	return &Publisher{client: client, topic: topic}, nil
}

// Close disconnects from the broker, allowing in-flight messages a
// short grace period.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// PublishState sends one state snapshot.
func (p *Publisher) PublishState(src StateSource) error {
	msg := stateMessage{
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		State:      src.State(),
		StateError: src.StateError(),
		Faults:     src.Faults().Total(),
	}
	return p.publish(p.topic+"/state", msg)
}

// PublishCalibration sends one calibration snapshot.
func (p *Publisher) PublishCalibration(src StateSource) error {
	msg := calibrationMessage{
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Calibration: src.Calibration(),
	}
	return p.publish(p.topic+"/calibration", msg)
}

func (p *Publisher) publish(topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := p.client.Publish(topic, 0, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run publishes src on the given interval until the context is
// cancelled. Publish failures are logged and retried on the next tick;
// the paho client reconnects underneath.
func (p *Publisher) Run(ctx context.Context, src StateSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var errs uint64
	var n int
	for {
		select {
		case <-ticker.C:
			if err := p.PublishState(src); err != nil {
				errs++
				if errs <= 5 || errs%100 == 0 {
					log.Printf("[telemetry] state publish failed (%d so far): %v", errs, err)
				}
				continue
			}
			n++
			if n%calibrationEvery == 0 {
				if err := p.PublishCalibration(src); err != nil {
					log.Printf("[telemetry] calibration publish failed: %v", err)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
