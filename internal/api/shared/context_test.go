package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestSetTraceID(t *testing.T) {
	t.Parallel()

	assert.Empty(t, GetTraceID(context.Background()))

	first := GetTraceID(SetTraceID(context.Background()))
	second := GetTraceID(SetTraceID(context.Background()))
	assert.Len(t, first, TraceIDLength*2)
	assert.NotEqual(t, first, second)
}

func TestSetTraceIDUsesSpanContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", GetTraceID(SetTraceID(ctx)))
}

func TestClientID(t *testing.T) {
	t.Parallel()

	_, ok := GetClientID(context.Background())
	assert.False(t, ok)

	_, ok = GetClientID(WithClientID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := GetClientID(WithClientID(context.Background(), "ingest"))
	assert.True(t, ok)
	assert.Equal(t, "ingest", id)
}
