package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Mirror publishes every dispatched bus event to a Kafka topic so external
// observers (dashboards, peer deployments) can follow this process's agent
// traffic. Best-effort: mirror failures never affect local delivery.
type Mirror struct {
	writer *kafka.Writer
}

// NewMirror creates a mirror writing to the given topic on a
// comma-separated broker list.
func NewMirror(brokers, topic string) *Mirror {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return &Mirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerList...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish mirrors one event, keyed by its bus topic.
func (m *Mirror) Publish(ctx context.Context, evt *Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Topic),
		Value: value,
	})
}

// Close flushes and closes the underlying writer.
func (m *Mirror) Close() error {
	return m.writer.Close()
}
