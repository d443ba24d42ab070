package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON messages. Messages sharing a key land on the same
// partition.
type Producer[T any] struct {
	writer messageWriter
	topic  string
}

func NewProducer[T any](cfg Config) (*Producer[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Producer[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
	}, nil
}

// Publish writes v as a JSON message under key.
func (p *Producer[T]) Publish(ctx context.Context, key []byte, v T) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka: marshal message: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("kafka: topic %q does not exist: %w", p.topic, err)
		}
		return fmt.Errorf("kafka: write to %q: %w", p.topic, err)
	}
	return nil
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
