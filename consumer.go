package sagabus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ConsumeHandler processes one message received on a subscription. Handlers
// must be idempotent: delivery is at-least-once.
type ConsumeHandler func(ctx context.Context, msg Message) error

const (
	defaultConsumerRetryBaseDelay = 500 * time.Millisecond
	defaultConsumerRetryMaxDelay  = 30 * time.Second
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriptionConsumer reads the topic of a registered subscription with the
// consumer name as group id. An offset is committed, and the consumption
// counted, only after the handler succeeded. A failing message is retried
// with backoff and blocks its partition until it succeeds or the consumer
// stops, so the group offset never moves past it.
type SubscriptionConsumer struct {
	subscription Subscription
	registry     *SubscriptionRegistry
	handler      ConsumeHandler
	reader       kafkaReader
	logger       *zap.Logger

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscriptionConsumer creates a consumer for sub reading from brokers.
func NewSubscriptionConsumer(brokers []string, sub Subscription, registry *SubscriptionRegistry, handler ConsumeHandler, logger *zap.Logger) *SubscriptionConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           sub.ConsumerName,
		Topic:             sub.Topic,
		MinBytes:          10e3,
		MaxBytes:          10e6,
		ReadBatchTimeout:  time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxAttempts:       3,
		Logger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	})
	return newSubscriptionConsumer(reader, sub, registry, handler, logger)
}

func newSubscriptionConsumer(reader kafkaReader, sub Subscription, registry *SubscriptionRegistry, handler ConsumeHandler, logger *zap.Logger) *SubscriptionConsumer {
	return &SubscriptionConsumer{
		subscription: sub,
		registry:     registry,
		handler:      handler,
		reader:       reader,
		logger:       logger,

		retryBaseDelay: defaultConsumerRetryBaseDelay,
		retryMaxDelay:  defaultConsumerRetryMaxDelay,
		done:           make(chan struct{}),
	}
}

// Name implements Worker.
func (c *SubscriptionConsumer) Name() string {
	return "consumer:" + c.subscription.Topic + ":" + c.subscription.ConsumerName
}

// Start implements Worker. It blocks until ctx is cancelled or Stop is called.
func (c *SubscriptionConsumer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer close(c.done)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("Failed to close kafka reader", zap.String("name", c.Name()), zap.Error(err))
		}
	}()

	c.logger.Info("Subscription consumer starting",
		zap.String("subscription_id", c.subscription.ID),
		zap.String("topic", c.subscription.Topic),
		zap.String("group_id", c.subscription.ConsumerName))

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.consume(ctx, km)
	}
}

func (c *SubscriptionConsumer) consume(ctx context.Context, km kafka.Message) {
	fields := []zap.Field{
		zap.String("topic", km.Topic),
		zap.Int("partition", km.Partition),
		zap.Int64("offset", km.Offset),
	}

	msg := messageFromKafka(km)
	for attempt := 0; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			break
		}
		delay := ExponentialDelay(attempt, c.retryBaseDelay, c.retryMaxDelay)
		c.logger.Error("Error handling message, retrying without committing",
			append(fields, zap.Int("attempt", attempt+1), zap.Duration("retry_in", delay), zap.Error(err))...)
		select {
		case <-ctx.Done():
			// Uncommitted: the group re-reads it after a restart or rebalance.
			return
		case <-time.After(delay):
		}
	}
	if err := c.reader.CommitMessages(ctx, km); err != nil {
		c.logger.Error("Failed to commit offset", append(fields, zap.Error(err))...)
		return
	}
	if err := c.registry.RecordConsumption(ctx, c.subscription.ID); err != nil {
		if errors.Is(err, ErrConflict) {
			c.logger.Warn("Subscription is inactive, consumption not counted", zap.String("subscription_id", c.subscription.ID))
			return
		}
		c.logger.Error("Failed to record consumption", append(fields, zap.Error(err))...)
	}
}

// Stop implements Worker. It waits for the consume loop to exit.
func (c *SubscriptionConsumer) Stop() {
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

func messageFromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := Message{
		ID:        headers[HeaderMessageID],
		Topic:     km.Topic,
		Payload:   km.Value,
		CreatedAt: km.Time,
		Headers:   headers,
	}
	if id, ok := headers[HeaderCorrelationID]; ok {
		msg.CorrelationID = &id
	}
	return msg
}
