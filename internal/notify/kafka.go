package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes changes as JSON keyed by component id, so changes of one
// component stay ordered within a partition.
type KafkaNotifier struct {
	Writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		Async:        false,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := n.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.ComponentID),
		Value: payload,
		Time:  c.At,
	}); err != nil {
		return fmt.Errorf("writing kafka message: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.Writer.Close()
}
