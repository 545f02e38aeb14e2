// Package telemetry implements the MQTT publisher (C13): it mirrors
// radio.Event values as retained JSON messages under a configurable
// topic prefix, per SPEC_FULL.md §4.13.
//
// Grounded on the teacher's MQTTPublisher (mqtt_publisher.go):
// mqtt.NewClientOptions with auto-reconnect/keepalive tuning, a
// generated client ID, and fire-and-forget token.Publish calls that log
// rather than block on delivery.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/w9fyi/smartsdr-core/radio"
)

// QoS is the publish quality-of-service level used for all topics.
const QoS = 0

// Publisher publishes radio.Event values to an MQTT broker as retained
// messages under topicPrefix.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
}

// connectionPayload is the wire shape for "<prefix>/connection".
type connectionPayload struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// slicePayload is the wire shape for "<prefix>/slice/<idx>".
type slicePayload struct {
	FrequencyHz int64  `json:"frequency_hz"`
	Mode        string `json:"mode"`
	Timestamp   int64  `json:"timestamp"`
}

// discoveryPayload is the wire shape for "<prefix>/discovery".
type discoveryPayload struct {
	RadioCount int   `json:"radio_count"`
	Timestamp  int64 `json:"timestamp"`
}

func generateClientID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

// New connects to brokerURL and returns a Publisher that retains messages
// under topicPrefix. clientID, if empty, is generated.
func New(brokerURL, clientID, topicPrefix string) (*Publisher, error) {
	if clientID == "" {
		clientID = generateClientID("smartsdr")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Println("telemetry: connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("telemetry: MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", brokerURL, token.Error())
	}

	return &Publisher{client: client, topicPrefix: topicPrefix}, nil
}

// Attach subscribes the publisher to every event from state.
func (p *Publisher) Attach(state *radio.State) {
	state.Subscribe(p.handleEvent)
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) handleEvent(e radio.Event) {
	switch e.Kind {
	case radio.EventConnectionChanged:
		p.publish("connection", connectionPayload{
			Status:    e.State.String(),
			Timestamp: time.Now().Unix(),
		})
	case radio.EventSliceUpdated:
		topic := fmt.Sprintf("slice/%d", e.Slice.Index)
		p.publish(topic, slicePayload{
			FrequencyHz: e.Slice.FrequencyHz,
			Mode:        e.Slice.Mode,
			Timestamp:   time.Now().Unix(),
		})
	}
}

// PublishDiscoveryInventory publishes the current discovery inventory
// size to "<prefix>/discovery".
func (p *Publisher) PublishDiscoveryInventory(radioCount int) {
	p.publish("discovery", discoveryPayload{
		RadioCount: radioCount,
		Timestamp:  time.Now().Unix(),
	})
}

func (p *Publisher) publish(subtopic string, payload any) {
	topic, data, err := buildMessage(p.topicPrefix, subtopic, payload)
	if err != nil {
		log.Printf("telemetry: marshal failed for %s: %v", subtopic, err)
		return
	}

	token := p.client.Publish(topic, QoS, true, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("telemetry: publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// buildMessage renders the full topic and JSON body for one publish,
// factored out so the wire shape can be tested without a broker.
func buildMessage(topicPrefix, subtopic string, payload any) (topic string, data []byte, err error) {
	data, err = json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	return topicPrefix + "/" + subtopic, data, nil
}
