package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jeffkershner/pulse/pkg/models"
)

const (
	keyPrefix     = "quote:"
	channelPrefix = "quotes."
)

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = Multi(nil)
)

// KafkaPublisher writes one message per quote, keyed by symbol so a symbol stays on
// one partition.
type KafkaPublisher struct {
	writer KafkaWriter
}

func NewKafkaPublisher(writer KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// NewKafkaWriter returns a batching writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, quotes []models.Quote) error {
	msgs := make([]kafka.Message, 0, len(quotes))
	for _, q := range quotes {
		payload, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", q.Symbol, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(q.Symbol), Value: payload})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// RedisPublisher mirrors each quote to quote:{SYMBOL} and announces it on quotes.{SYMBOL}.
type RedisPublisher struct {
	client RedisClient
	ttl    time.Duration
}

func NewRedisPublisher(client RedisClient, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, ttl: ttl}
}

func (p *RedisPublisher) Publish(ctx context.Context, quotes []models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	// Atomic Update via Pipeline
	pipe := p.client.Pipeline()
	for _, q := range quotes {
		payload, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", q.Symbol, err)
		}
		pipe.Set(ctx, keyPrefix+q.Symbol, payload, p.ttl)
		pipe.Publish(ctx, channelPrefix+q.Symbol, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, quotes []models.Quote) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, quotes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
