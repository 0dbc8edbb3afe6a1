package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaStreamConfig configures the optional external consumer stream.
// It is publish-only: nothing in the orchestrator reads from Kafka,
// and ledger durability never depends on the publish succeeding.
type KafkaStreamConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultKafkaStreamConfig() KafkaStreamConfig {
	return KafkaStreamConfig{
		Topic:        "ledger-records",
		BatchSize:    50,
		BatchTimeout: 200 * time.Millisecond,
	}
}

// KafkaStream publishes a copy of every appended ledger record onto a
// Kafka topic for external consumers (dashboards, SIEM ingestion,
// compliance archival). It is a side effect of Append, never a
// dependency of it: a publish failure is logged and swallowed.
type KafkaStream struct {
	writer *kafka.Writer
}

func NewKafkaStream(config KafkaStreamConfig) *KafkaStream {
	return &KafkaStream{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    config.BatchSize,
			BatchTimeout: config.BatchTimeout,
			Async:        true,
		},
	}
}

// Publish writes a record to the stream. Errors are returned to the
// caller to log but must never block or fail an Append.
func (k *KafkaStream) Publish(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling ledger record for stream: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.ID),
		Value: data,
		Time:  r.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing ledger record: %w", err)
	}
	return nil
}

func (k *KafkaStream) Close() error {
	return k.writer.Close()
}
