package realtime

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/logger"
)

// KafkaMirror publishes every delivered event to a kafka topic, keyed by
// application id. Writes are asynchronous so a slow broker cannot stall
// the broadcaster.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror creates a mirror writing to the given brokers and topic.
func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			Async:    true,
		},
	}
}

// Mirror publishes the event. Failures are logged; the diagnostic channel
// is best-effort by contract.
func (k *KafkaMirror) Mirror(appID string, event core.Event) {
	value, err := json.Marshal(ventEvent{AppID: appID, Event: event})
	if err != nil {
		logger.Default().WithError(err).Warn("cannot encode event for kafka")
		return
	}
	err = k.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(appID),
		Value: value,
	})
	if err != nil {
		logger.Default().WithError(err).Warn("cannot mirror event to kafka")
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaMirror) Close() error {
	return k.writer.Close()
}
