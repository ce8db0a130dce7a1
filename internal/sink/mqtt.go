package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// Publisher is the broker contract the MQTT mirror needs. Satisfied by
// *mqttclient.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink mirrors each packet to an MQTT broker as the same JSON
// record the JSONL mirror writes, on <prefix>/<lowercased type>.
// Broker reconnects are handled by the client; a publish failure only
// fails this packet for this sink.
type MQTTSink struct {
	client      Publisher
	topicPrefix string
	flag        string
}

func NewMQTT(client Publisher, topicPrefix, flag string) *MQTTSink {
	if topicPrefix == "" {
		topicPrefix = "telemetry/packets"
	}
	return &MQTTSink{client: client, topicPrefix: topicPrefix, flag: flag}
}

func (s *MQTTSink) Name() string { return "mqtt-mirror" }

func (s *MQTTSink) Accept(_ context.Context, pkt *models.Packet) error {
	data, err := json.Marshal(NewRecord(pkt, s.flag))
	if err != nil {
		return fmt.Errorf("mqtt mirror: marshal: %w", err)
	}
	topic := s.topicPrefix + "/" + strings.ToLower(pkt.Type)
	if err := s.client.Publish(topic, data, 0, false); err != nil {
		return fmt.Errorf("mqtt mirror: publish %s: %w", topic, err)
	}
	return nil
}
