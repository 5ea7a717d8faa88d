package sagabus

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// SubscriptionRegistry records which consumers listen on which topics.
type SubscriptionRegistry struct {
	store   storage.SubscriptionStore
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock
}

// NewSubscriptionRegistry creates a new SubscriptionRegistry.
func NewSubscriptionRegistry(store storage.SubscriptionStore, logger *zap.Logger, metrics MetricsCollector, clock clockwork.Clock) *SubscriptionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SubscriptionRegistry{store: store, logger: logger, metrics: metrics, clock: clock}
}

// Register binds consumerName to topic. The subscription starts active.
// A second registration of the same topic and consumer yields ErrAlreadyExists.
func (r *SubscriptionRegistry) Register(ctx context.Context, topic, consumerName, queueName string, configuration map[string]string) (*Subscription, error) {
	if topic == "" {
		return nil, invalidArgument("topic is required")
	}
	if consumerName == "" {
		return nil, invalidArgument("consumer name is required")
	}
	if queueName == "" {
		queueName = topic + "." + consumerName
	}

	sub := &storage.Subscription{
		ID:            uuid.NewString(),
		Topic:         topic,
		ConsumerName:  consumerName,
		QueueName:     queueName,
		IsActive:      true,
		CreatedAt:     r.clock.Now().UTC(),
		Configuration: maps.Clone(configuration),
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to register %s on %s: %w", consumerName, topic, err)
	}

	r.logger.Info("Subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.String("topic", topic),
		zap.String("consumer", consumerName))
	return sub, nil
}

// Get loads a subscription.
func (r *SubscriptionRegistry) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return sub, nil
}

// List returns subscriptions, optionally narrowed to one topic or to active ones.
func (r *SubscriptionRegistry) List(ctx context.Context, topic string, activeOnly bool) ([]Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, storage.SubscriptionFilter{Topic: topic, ActiveOnly: activeOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// SetActive toggles a subscription.
func (r *SubscriptionRegistry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.SetSubscriptionActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to set subscription %s active=%t: %w", id, active, err)
	}
	r.logger.Info("Subscription toggled", zap.String("subscription_id", id), zap.Bool("active", active))
	return nil
}

// RecordConsumption counts one successfully consumed message. Inactive
// subscriptions yield ErrConflict.
func (r *SubscriptionRegistry) RecordConsumption(ctx context.Context, id string) error {
	if err := r.store.RecordConsumption(ctx, id, r.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record consumption on subscription %s: %w", id, err)
	}
	r.metrics.IncrementCounter(metricSubscriptionConsumed, map[string]string{"subscription_id": id})
	return nil
}
