package sagabus

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultBatchSize            = 100
	defaultMaxRetryAttempts     = 3
	defaultBaseDelay            = 5 * time.Second
	defaultMaxDelay             = 10 * time.Minute
	defaultJitter               = 0.2
	defaultPublishTimeout       = 10 * time.Second
	defaultStepTimeout          = 30 * time.Second
	defaultStuckMessageTimeout  = 10 * time.Minute
	defaultDeliveredRetention   = 24 * time.Hour
	defaultDeadLetterRetention  = 7 * 24 * time.Hour
	defaultSagaBatchSize        = 50
	defaultMaxStepsPerTick      = 16
	stuckRecoveryFailureMessage = "recovered from stuck processing state"
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

func WithInvoker(invoker ActionInvoker) CarrierOption {
	return func(c *Carrier) {
		c.invoker = invoker
	}
}

func WithClock(clock clockwork.Clock) CarrierOption {
	return func(c *Carrier) {
		c.clock = clock
	}
}

func WithBackoffStrategy(strategy BackoffStrategy) CarrierOption {
	return func(c *Carrier) {
		c.backoff = strategy
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaDefaultTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.defaultTopic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

//
// EventProcessor Options
//

type EventProcessorOption func(*eventProcessorOptions)

type eventProcessorOptions struct {
	batchSize      int
	publishTimeout time.Duration
}

func WithEventProcessorBatchSize(size int) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.batchSize = size
	}
}

func WithEventProcessorPublishTimeout(timeout time.Duration) EventProcessorOption {
	return func(o *eventProcessorOptions) {
		o.publishTimeout = timeout
	}
}

//
// StuckMessageService Options
//

type StuckMessageServiceOption func(*stuckMessageServiceOptions)

type stuckMessageServiceOptions struct {
	batchSize    int
	stuckTimeout time.Duration
}

func WithStuckMessageServiceBatchSize(size int) StuckMessageServiceOption {
	return func(o *stuckMessageServiceOptions) {
		o.batchSize = size
	}
}

func WithStuckMessageServiceStuckTimeout(timeout time.Duration) StuckMessageServiceOption {
	return func(o *stuckMessageServiceOptions) {
		o.stuckTimeout = timeout
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	deliveredRetention  time.Duration
	deadLetterRetention time.Duration
}

func WithCleanupServiceDeliveredRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.deliveredRetention = retention
	}
}

func WithCleanupServiceDeadLetterRetention(retention time.Duration) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.deadLetterRetention = retention
	}
}

//
// SagaCoordinator Options
//

type SagaCoordinatorOption func(*sagaCoordinatorOptions)

type sagaCoordinatorOptions struct {
	batchSize          int
	maxStepsPerTick    int
	concurrency        int
	defaultStepTimeout time.Duration
}

func WithSagaCoordinatorBatchSize(size int) SagaCoordinatorOption {
	return func(o *sagaCoordinatorOptions) {
		o.batchSize = size
	}
}

// WithSagaCoordinatorMaxStepsPerTick bounds how many transitions one Tick
// applies to a single saga before yielding to the next one.
func WithSagaCoordinatorMaxStepsPerTick(n int) SagaCoordinatorOption {
	return func(o *sagaCoordinatorOptions) {
		o.maxStepsPerTick = n
	}
}

// WithSagaCoordinatorConcurrency sets how many sagas one pass ticks in parallel.
func WithSagaCoordinatorConcurrency(n int) SagaCoordinatorOption {
	return func(o *sagaCoordinatorOptions) {
		o.concurrency = n
	}
}

// WithSagaCoordinatorDefaultStepTimeout is used for steps created without a timeout.
func WithSagaCoordinatorDefaultStepTimeout(timeout time.Duration) SagaCoordinatorOption {
	return func(o *sagaCoordinatorOptions) {
		o.defaultStepTimeout = timeout
	}
}
