package settlement

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/p2psettle/internal/retry"
)

// kafkaWriter is the subset of *kafka.Writer used by KafkaBus.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus writes settlement messages to a single Kafka topic. Messages are
// keyed by trade identifier so the hash balancer keeps each trade's events
// on one partition, in order.
type KafkaBus struct {
	w kafkaWriter
}

// NewKafkaBus creates a bus writing to topic on brokers. The writer makes a
// single attempt per Send; retry is owned by Publisher.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	return &KafkaBus{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		WriteTimeout: 10 * time.Second,
	}}
}

// Send writes msg and waits for the broker acknowledgment.
func (b *KafkaBus) Send(ctx context.Context, msg Message) error {
	names := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		names = append(names, k)
	}
	sort.Strings(names)

	headers := make([]kafka.Header, 0, len(names))
	for _, k := range names {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}

	err := b.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if errors.Is(err, kafka.MessageSizeTooLarge) {
		return retry.Permanent(err)
	}
	return err
}

// Close flushes and closes the underlying writer.
func (b *KafkaBus) Close() error {
	return b.w.Close()
}
