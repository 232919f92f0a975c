package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	locationagent "github.com/geoloop/LocationAgent"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttDisconnectMS   = 250

	defaultTopicPrefix = "locationagent"
)

// mqttSink publishes samples to <prefix>/<entity_id> and error records
// to <prefix>/errors at QoS 1. The paho client reconnects in the
// background after broker drops; publishes in the gap fail and surface
// as record failures.
type mqttSink struct {
	client mqtt.Client
	prefix string
}

func newMQTTSink(brokerURL, clientID, topicPrefix string) (Sink, error) {
	if strings.TrimSpace(clientID) == "" {
		clientID = "locationagent-" + uuid.NewString()[:8]
	}
	prefix := strings.Trim(strings.TrimSpace(topicPrefix), "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		client.Disconnect(mqttDisconnectMS)
		return nil, pkgerrors.Errorf("storage: mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(mqttDisconnectMS)
		return nil, pkgerrors.Wrapf(err, "storage: mqtt connect to %s failed", brokerURL)
	}
	return &mqttSink{client: client, prefix: prefix}, nil
}

func (m *mqttSink) WriteSample(_ context.Context, sample locationagent.Sample) error {
	if m == nil || m.client == nil {
		return pkgerrors.New("storage: mqtt sink nil")
	}
	payload, err := json.Marshal(buildSampleRow(sample))
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal sample row failed")
	}
	return m.publish(m.prefix+"/"+sample.EntityID, payload)
}

func (m *mqttSink) WriteError(_ context.Context, record locationagent.ErrorRecord) error {
	if m == nil || m.client == nil {
		return pkgerrors.New("storage: mqtt sink nil")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal error record failed")
	}
	return m.publish(m.prefix+"/errors", payload)
}

func (m *mqttSink) publish(topic string, payload []byte) error {
	if !m.client.IsConnected() {
		return pkgerrors.Errorf("storage: mqtt disconnected, cannot publish to %s", topic)
	}
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return pkgerrors.Errorf("storage: mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return pkgerrors.Wrapf(err, "storage: mqtt publish to %s failed", topic)
	}
	return nil
}

func (m *mqttSink) Close() error {
	if m != nil && m.client != nil {
		m.client.Disconnect(mqttDisconnectMS)
	}
	return nil
}

func (m *mqttSink) Name() string {
	return "mqtt"
}
