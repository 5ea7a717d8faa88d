package sagabus

import (
	"context"
	"time"
)

// Publisher moves a message onto the transport fabric.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MetricsCollector records engine metrics.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Worker is a long-running background loop managed by a Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}
