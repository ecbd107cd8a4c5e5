// Package telemetry publishes measurement lifecycle events to an MQTT broker
// so fleet dashboards can follow field devices. The publisher is optional:
// with no broker configured the engine runs silent.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/arborsight/treemetric/internal/monitoring"
)

// Publisher sends engine events as retained-nothing QoS 0 JSON messages. A
// lost event is acceptable; a blocked measurement workflow is not, so every
// publish is fire-and-forget.
type Publisher struct {
	client mqtt.Client
	topic  string
	device string
	logf   func(format string, v ...interface{})
	now    func() time.Time
}

// Connect dials the broker and returns a publisher rooted at topic.
func Connect(broker, topic, deviceID string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("treemetric-" + deviceID).
		SetConnectRetry(true).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", broker, token.Error())
	}
	return NewPublisher(client, topic, deviceID), nil
}

// NewPublisher wraps an already-connected client.
func NewPublisher(client mqtt.Client, topic, deviceID string) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
		device: deviceID,
		logf:   monitoring.Scoped("telemetry"),
		now:    time.Now,
	}
}

type envelope struct {
	Event    string      `json:"event"`
	DeviceID string      `json:"device_id"`
	Time     string      `json:"time"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Publish sends one event under <topic>/<event>.
func (p *Publisher) Publish(event string, payload interface{}) {
	body, err := json.Marshal(envelope{
		Event:    event,
		DeviceID: p.device,
		Time:     p.now().UTC().Format(time.RFC3339),
		Payload:  payload,
	})
	if err != nil {
		p.logf("failed to marshal event %s: %v", event, err)
		return
	}
	token := p.client.Publish(p.topic+"/"+event, 0, false, body)
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logf("failed to publish event %s: %v", event, token.Error())
		}
	}()
}

// Close disconnects from the broker, allowing a short drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
