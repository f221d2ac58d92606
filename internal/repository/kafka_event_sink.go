package repository

import (
	"context"

	domrepo "UpDownTrader/internal/domain/repository"
	pkgkafka "UpDownTrader/pkg/kafka"
)

type messageProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaEventSink mirrors bus events to "<prefix>.<topic>".
type KafkaEventSink struct {
	producer messageProducer
}

var _ domrepo.EventSink = (*KafkaEventSink)(nil)

func NewKafkaEventSink(producer *pkgkafka.Producer) *KafkaEventSink {
	return &KafkaEventSink{producer: producer}
}

func (s *KafkaEventSink) Publish(ctx context.Context, topic string, key []byte, payload interface{}) error {
	return s.producer.Publish(ctx, topic, key, payload)
}

func (s *KafkaEventSink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
