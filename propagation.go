package sagabus

import (
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// HeaderCarrier adapts message headers to the OpenTelemetry propagation API so
// that trace context travels with a message through the store.
type HeaderCarrier map[string]string

// Get returns the value associated with the passed key.
func (c HeaderCarrier) Get(key string) string {
	return c[key]
}

// Set stores the key-value pair.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys stored in this carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
