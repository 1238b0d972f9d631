package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBroker implementa domain.Broker com segmentio/kafka-go.
//
// O Writer usa o balancer Hash: mesma chave, mesma partição. Cada Subscribe
// abre um Reader no grupo informado; o Kafka entrega cada partição a um único
// membro do grupo, o que dá um escritor por tipo de recurso.
type KafkaBroker struct {
	brokers []string
	writer  *kafka.Writer
	logger  *zap.Logger

	minBytes int
	maxBytes int
	maxWait  time.Duration
}

type KafkaOption func(*KafkaBroker)

func WithKafkaLogger(l *zap.Logger) KafkaOption {
	return func(b *KafkaBroker) { b.logger = l }
}

func WithKafkaMaxWait(d time.Duration) KafkaOption {
	return func(b *KafkaBroker) { b.maxWait = d }
}

func NewKafkaBroker(brokers []string, opts ...KafkaOption) (*KafkaBroker, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	b := &KafkaBroker{
		brokers:  brokers,
		logger:   zap.NewNop(),
		minBytes: 1,
		maxBytes: 10e6,
		maxWait:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return b, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerDelivery, err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topic, group string, h domain.Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: b.minBytes,
		MaxBytes: b.maxBytes,
		MaxWait:  b.maxWait,
	})
	defer func() { _ = r.Close() }()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", topic, err)
		}

		msg := domain.Message{
			Topic:     m.Topic,
			Key:       string(m.Key),
			Value:     m.Value,
			Partition: m.Partition,
			Offset:    m.Offset,
		}
		if len(m.Headers) > 0 {
			msg.Headers = make(map[string]string, len(m.Headers))
			for _, hd := range m.Headers {
				msg.Headers[hd.Key] = string(hd.Value)
			}
		}

		// erro do handler não segura a partição: loga e faz commit.
		if err := h(ctx, msg); err != nil {
			b.logger.Warn("kafka handler error",
				zap.String("topic", topic), zap.String("group", group),
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit %s: %w", topic, err)
		}
	}
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}
