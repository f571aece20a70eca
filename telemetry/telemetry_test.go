package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setup(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp, err := Init(context.Background(), WithExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return exp
}

func attr(kvs []attribute.KeyValue, key string) string {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestUnitSpans(t *testing.T) {
	exp := setup(t)
	_, span := StartProduceSpan(context.Background(), "foo")
	span.End()
	_, span = StartPollSpan(context.Background(), "g")
	span.End()
	_, span = StartCommitSpan(context.Background(), "g")
	span.End()
	spans := exp.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, "kafka.produce", spans[0].Name)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	assert.Equal(t, "foo", attr(spans[0].Attributes, "messaging.destination.name"))
	assert.Equal(t, "kafka.poll", spans[1].Name)
	assert.Equal(t, "g", attr(spans[1].Attributes, "messaging.consumer.group.name"))
	assert.Equal(t, "kafka.commit", spans[2].Name)
}

func intAttr(kvs []attribute.KeyValue, key string) (int64, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value.AsInt64(), true
		}
	}
	return 0, false
}

func TestUnitEndProduceSpan(t *testing.T) {
	exp := setup(t)
	_, span := StartProduceSpan(context.Background(), "foo")
	EndProduceSpan(span, 2, 41, nil)
	_, span = StartProduceSpan(context.Background(), "foo")
	EndProduceSpan(span, -1, -1, errors.New("broker down"))
	_, span = StartProduceSpan(context.Background(), "foo")
	EndProduceSpan(span, 0, -1, nil) // acks=0
	spans := exp.GetSpans()
	require.Len(t, spans, 3)

	offset, ok := intAttr(spans[0].Attributes, "messaging.kafka.offset")
	require.True(t, ok)
	assert.Equal(t, int64(41), offset)
	partition, _ := intAttr(spans[0].Attributes, "messaging.destination.partition.id")
	assert.Equal(t, int64(2), partition)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)

	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "broker down", spans[1].Status.Description)
	require.Len(t, spans[1].Events, 1) // RecordError
	_, ok = intAttr(spans[1].Attributes, "messaging.kafka.offset")
	assert.False(t, ok)

	_, ok = intAttr(spans[2].Attributes, "messaging.kafka.offset")
	assert.False(t, ok)
}

func TestUnitInitNoExporter(t *testing.T) {
	_, err := Init(context.Background())
	assert.Error(t, err)
}
