package sagabus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestOpenTelemetryMetricsCollector(t *testing.T) {
	collector := NewOpenTelemetryMetricsCollectorWithMeter(noop.NewMeterProvider().Meter(meterName))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter(metricMessagePublished, map[string]string{"topic": "orders"})
			collector.RecordDuration(metricStepDuration, 25*time.Millisecond, nil)
			collector.RecordGauge(metricProcessorBatchSize, 10, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, collector.counters, 1)
	assert.Len(t, collector.histograms, 1)
	assert.Len(t, collector.gauges, 1)
}

func TestNopMetricsCollector(t *testing.T) {
	collector := NewNopMetricsCollector()
	assert.NotPanics(t, func() {
		collector.IncrementCounter("c", nil)
		collector.RecordDuration("d", time.Second, nil)
		collector.RecordGauge("g", 1, nil)
	})
}

func TestAttributes(t *testing.T) {
	attrs := attributes(map[string]string{"topic": "orders"})
	assert.Equal(t, []attribute.KeyValue{attribute.String("topic", "orders")}, attrs)
	assert.Empty(t, attributes(nil))
}
