package sagabus

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCarrierOptions(t *testing.T) {
	logger := zap.NewNop()
	metrics := NewNopMetricsCollector()
	publisher := NewNopPublisher()
	invoker := NewServiceRegistry()
	clock := clockwork.NewFakeClock()
	backoff := NewFixedBackoffStrategy(time.Second)

	c := &Carrier{}

	WithLogger(logger)(c)
	assert.Equal(t, logger, c.logger)

	WithMetrics(metrics)(c)
	assert.Equal(t, metrics, c.metrics)

	WithPublisher(publisher)(c)
	assert.Equal(t, publisher, c.publisher)

	WithInvoker(invoker)(c)
	assert.Equal(t, invoker, c.invoker)

	WithClock(clock)(c)
	assert.Equal(t, clock, c.clock)

	WithBackoffStrategy(backoff)(c)
	assert.Equal(t, backoff, c.backoff)
}

func TestEventProcessorOptions(t *testing.T) {
	opts := &eventProcessorOptions{}

	WithEventProcessorBatchSize(50)(opts)
	assert.Equal(t, 50, opts.batchSize)

	WithEventProcessorPublishTimeout(3 * time.Second)(opts)
	assert.Equal(t, 3*time.Second, opts.publishTimeout)
}

func TestStuckMessageServiceOptions(t *testing.T) {
	opts := &stuckMessageServiceOptions{}

	WithStuckMessageServiceBatchSize(25)(opts)
	assert.Equal(t, 25, opts.batchSize)

	WithStuckMessageServiceStuckTimeout(time.Minute)(opts)
	assert.Equal(t, time.Minute, opts.stuckTimeout)
}

func TestCleanupServiceOptions(t *testing.T) {
	opts := &cleanupServiceOptions{}

	WithCleanupServiceDeliveredRetention(time.Hour)(opts)
	assert.Equal(t, time.Hour, opts.deliveredRetention)

	WithCleanupServiceDeadLetterRetention(48 * time.Hour)(opts)
	assert.Equal(t, 48*time.Hour, opts.deadLetterRetention)
}

func TestSagaCoordinatorOptions(t *testing.T) {
	opts := &sagaCoordinatorOptions{}

	WithSagaCoordinatorBatchSize(10)(opts)
	WithSagaCoordinatorMaxStepsPerTick(4)(opts)
	WithSagaCoordinatorConcurrency(8)(opts)
	WithSagaCoordinatorDefaultStepTimeout(time.Minute)(opts)

	assert.Equal(t, sagaCoordinatorOptions{
		batchSize:          10,
		maxStepsPerTick:    4,
		concurrency:        8,
		defaultStepTimeout: time.Minute,
	}, *opts)
}

func TestSagaCoordinator_Defaults(t *testing.T) {
	coordinator := NewSagaCoordinator(nil, NewServiceRegistry(), nil, nil, nil, nil, WithSagaCoordinatorConcurrency(0))

	assert.Equal(t, defaultSagaBatchSize, coordinator.batchSize)
	assert.Equal(t, defaultMaxStepsPerTick, coordinator.maxStepsPerTick)
	assert.Equal(t, 1, coordinator.concurrency)
	assert.Equal(t, defaultStepTimeout, coordinator.defaultStepTimeout)
}
