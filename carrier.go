package sagabus

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

// Carrier holds the shared dependencies of the engine and builds its services.
// Services built from one carrier share the store, the clock and the retry
// policy.
type Carrier struct {
	store     storage.Store
	publisher Publisher
	invoker   ActionInvoker
	metrics   MetricsCollector
	logger    *zap.Logger
	clock     clockwork.Clock
	backoff   BackoffStrategy

	scheduler     *RetryScheduler
	batches       *BatchTracker
	messages      *MessageService
	deadLetters   *DeadLetterService
	subscriptions *SubscriptionRegistry
	sagas         *SagaService
}

// NewCarrier creates a new Carrier over store with the given options.
func NewCarrier(store storage.Store, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	c := &Carrier{
		store:   store,
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
		clock:   clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.publisher == nil {
		c.publisher = NewNopPublisher()
	}
	if c.invoker == nil {
		c.invoker = NewServiceRegistry()
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoffStrategy()
	}

	c.scheduler = NewRetryScheduler(c.backoff)
	c.batches = NewBatchTracker(store, c.logger, c.metrics, c.clock)
	c.messages = NewMessageService(store, c.batches, c.scheduler, c.logger, c.metrics, c.clock)
	c.deadLetters = NewDeadLetterService(store, store, c.logger, c.metrics, c.clock)
	c.subscriptions = NewSubscriptionRegistry(store, c.logger, c.metrics, c.clock)
	c.sagas = NewSagaService(store, c.logger, c.metrics, c.clock)
	return c, nil
}

// Messages returns the message lifecycle service.
func (c *Carrier) Messages() *MessageService { return c.messages }

// Batches returns the batch tracker.
func (c *Carrier) Batches() *BatchTracker { return c.batches }

// DeadLetters returns the dead-letter operator service.
func (c *Carrier) DeadLetters() *DeadLetterService { return c.deadLetters }

// Subscriptions returns the subscription registry.
func (c *Carrier) Subscriptions() *SubscriptionRegistry { return c.subscriptions }

// Sagas returns the saga producer and operator service.
func (c *Carrier) Sagas() *SagaService { return c.sagas }

// Publisher returns the configured publisher.
func (c *Carrier) Publisher() Publisher { return c.publisher }

// NewEventProcessor builds the dispatch loop.
func (c *Carrier) NewEventProcessor(opts ...EventProcessorOption) *EventProcessor {
	return NewEventProcessor(c.messages, c.publisher, c.logger, c.metrics, c.clock, opts...)
}

// NewStuckMessageService builds the stuck message sweep.
func (c *Carrier) NewStuckMessageService(opts ...StuckMessageServiceOption) *StuckMessageService {
	return NewStuckMessageService(c.messages, c.logger, c.metrics, c.clock, opts...)
}

// NewCleanupService builds the retention sweep.
func (c *Carrier) NewCleanupService(opts ...CleanupServiceOption) *CleanupService {
	return NewCleanupService(c.store, c.store, c.logger, c.metrics, c.clock, opts...)
}

// NewSagaCoordinator builds a saga coordinator invoking actions through the
// carrier's invoker.
func (c *Carrier) NewSagaCoordinator(opts ...SagaCoordinatorOption) *SagaCoordinator {
	return NewSagaCoordinator(c.store, c.invoker, c.scheduler, c.logger, c.metrics, c.clock, opts...)
}

// NewSubscriptionConsumer builds a Kafka consumer for a registered subscription.
func (c *Carrier) NewSubscriptionConsumer(brokers []string, sub Subscription, handler ConsumeHandler) *SubscriptionConsumer {
	return NewSubscriptionConsumer(brokers, sub, c.subscriptions, handler, c.logger)
}

// ExpiryWorkFunc adapts ExpireOverdue to a worker function.
func (c *Carrier) ExpiryWorkFunc() WorkFunc {
	return func(ctx context.Context) error {
		_, err := c.messages.ExpireOverdue(ctx, c.clock.Now().UTC())
		return err
	}
}

// Close closes the publisher.
func (c *Carrier) Close() error {
	return c.publisher.Close()
}
