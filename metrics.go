package sagabus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/overtonx/sagabus"

// Metric names emitted by the engine.
const (
	metricMessagePublished     = "sagabus.message.published"
	metricMessageDelivered     = "sagabus.message.delivered"
	metricMessageRetried       = "sagabus.message.retried"
	metricMessageDeadLettered  = "sagabus.message.dead_lettered"
	metricMessageExpired       = "sagabus.message.expired"
	metricDeadLetterReplayed   = "sagabus.dead_letter.replayed"
	metricDeadLetterDiscarded  = "sagabus.dead_letter.discarded"
	metricBatchCompleted       = "sagabus.batch.completed"
	metricProcessorDuration    = "sagabus.processor.duration"
	metricProcessorBatchSize   = "sagabus.processor.batch_size"
	metricStuckRecovered       = "sagabus.message.stuck_recovered"
	metricCleanupDeleted       = "sagabus.cleanup.deleted"
	metricCleanupDuration      = "sagabus.cleanup.duration"
	metricSagaStarted          = "sagabus.saga.started"
	metricSagaFinished         = "sagabus.saga.finished"
	metricSagaTickDuration     = "sagabus.saga.tick_duration"
	metricStepInvoked          = "sagabus.step.invoked"
	metricStepFailed           = "sagabus.step.failed"
	metricStepDuration         = "sagabus.step.duration"
	metricCompensationInvoked  = "sagabus.compensation.invoked"
	metricCompensationHalted   = "sagabus.compensation.halted"
	metricStuckStepsRecovered  = "sagabus.step.stuck_recovered"
	metricSubscriptionConsumed = "sagabus.subscription.consumed"
)

// NopMetricsCollector is a metrics collector that does nothing.
// It is used as a default when no other collector is provided.
type NopMetricsCollector struct{}

// NewNopMetricsCollector creates a new NopMetricsCollector.
func NewNopMetricsCollector() *NopMetricsCollector {
	return &NopMetricsCollector{}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *NopMetricsCollector) IncrementCounter(string, map[string]string) {}

// RecordDuration implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordDuration(string, time.Duration, map[string]string) {}

// RecordGauge implements the MetricsCollector interface.
func (m *NopMetricsCollector) RecordGauge(string, float64, map[string]string) {}

// OpenTelemetryMetricsCollector records through an OpenTelemetry meter.
// Instruments are created lazily and cached by name; it is safe for
// concurrent use by several workers.
type OpenTelemetryMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryMetricsCollector uses the global meter provider.
func NewOpenTelemetryMetricsCollector() *OpenTelemetryMetricsCollector {
	return NewOpenTelemetryMetricsCollectorWithMeter(otel.Meter(meterName))
}

// NewOpenTelemetryMetricsCollectorWithMeter uses the given meter.
func NewOpenTelemetryMetricsCollectorWithMeter(meter metric.Meter) *OpenTelemetryMetricsCollector {
	return &OpenTelemetryMetricsCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncrementCounter implements the MetricsCollector interface.
func (m *OpenTelemetryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		if counter, err = m.meter.Int64Counter(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), 1, metric.WithAttributes(attributes(tags)...))
}

// RecordDuration implements the MetricsCollector interface. Durations are
// recorded in seconds.
func (m *OpenTelemetryMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		if histogram, err = m.meter.Float64Histogram(name, metric.WithUnit("s")); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attributes(tags)...))
}

// RecordGauge implements the MetricsCollector interface.
func (m *OpenTelemetryMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		if gauge, err = m.meter.Float64Gauge(name); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(attributes(tags)...))
}

func attributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
