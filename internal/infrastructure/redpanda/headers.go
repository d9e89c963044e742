package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier lets the W3C propagator read and write record headers
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c.record.Headers[i].Value)
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		c.record.Headers[i].Value = []byte(value)
		return
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}

func (c headerCarrier) index(key string) int {
	for i, h := range c.record.Headers {
		if h.Key == key {
			return i
		}
	}
	return -1
}

var traceContext propagation.TraceContext

func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	traceContext.Inject(ctx, headerCarrier{record: record})
}

func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return traceContext.Extract(ctx, headerCarrier{record: record})
}
