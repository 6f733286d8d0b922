package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	ErrNoBrokers     = errors.New("no kafka brokers configured")
	ErrTopicNotReady = errors.New("topic has no partitions")
)

// TopicSettings describes the quotes topic as it should exist on the cluster.
type TopicSettings struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// TopicCreator makes sure the quotes topic exists before the first publish.
type TopicCreator struct {
	logger     *zap.Logger
	dialer     KafkaDialer
	clock      Clock
	readyTries int
	readyWait  time.Duration
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock) *TopicCreator {
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		clock:      clock,
		readyTries: 5,
		readyWait:  200 * time.Millisecond,
	}
}

// Ensure asks the cluster controller for the topic and waits for its partitions to
// show up. An error means the topic could not be confirmed; brokers that auto-create
// topics may still accept writes.
func (tc *TopicCreator) Ensure(ctx context.Context, brokers []string, topic TopicSettings) error {
	conn, err := tc.dialAny(ctx, brokers)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := tc.createOnController(ctx, conn, topic); err != nil {
		// usually TopicAlreadyExists
		tc.logger.Info("Topic not created", zap.String("topic", topic.Name), zap.Error(err))
	} else {
		tc.logger.Info("Topic created",
			zap.String("topic", topic.Name),
			zap.Int("partitions", topic.Partitions),
			zap.Int("replication_factor", topic.ReplicationFactor))
	}

	return tc.awaitPartitions(conn, topic.Name)
}

func (tc *TopicCreator) dialAny(ctx context.Context, brokers []string) (KafkaConn, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	var errs []error
	for _, addr := range brokers {
		conn, err := tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return nil, fmt.Errorf("no reachable broker: %w", errors.Join(errs...))
}

// Topic creation must go to the controller broker.
func (tc *TopicCreator) createOnController(ctx context.Context, conn KafkaConn, topic TopicSettings) error {
	broker, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller lookup: %w", err)
	}

	ctrl, err := tc.dialer.DialContext(ctx, "tcp", net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	return ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic.Name,
		NumPartitions:     topic.Partitions,
		ReplicationFactor: topic.ReplicationFactor,
	})
}

func (tc *TopicCreator) awaitPartitions(conn KafkaConn, name string) error {
	for attempt := 1; attempt <= tc.readyTries; attempt++ {
		partitions, err := conn.ReadPartitions(name)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", name), zap.Int("partitions", len(partitions)))
			return nil
		}
		tc.logger.Debug("Waiting for topic", zap.String("topic", name), zap.Int("attempt", attempt), zap.Error(err))
		tc.clock.Sleep(tc.readyWait)
	}
	return fmt.Errorf("%w: %s", ErrTopicNotReady, name)
}
