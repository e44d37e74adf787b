package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Service: "payment-service", Output: &buf})
	t.Cleanup(func() { Init(Config{Level: "info"}) })

	ctx := NewContextWithIDs(context.Background(), "trace-1", "240101_42")
	l := FromContext(ctx)
	l.Info().Msg("Платёж подтверждён")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, "240101_42", entry["correlation_id"])
	assert.Equal(t, "payment-service", entry["service"])
	assert.Equal(t, "Платёж подтверждён", entry["message"])
}

func TestEnsureTraceID(t *testing.T) {
	ctx, id := EnsureTraceID(context.Background())
	require.NotEmpty(t, id)
	assert.Equal(t, id, TraceIDFromContext(ctx))

	// Существующий trace_id не перезаписывается.
	ctx2, id2 := EnsureTraceID(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "warn", parseLevel("WARNING").String())
	assert.Equal(t, "info", parseLevel("unknown").String())
	assert.Equal(t, "trace", parseLevel("trace").String())
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Service: "order-service", Output: &buf})
	t.Cleanup(func() { Init(Config{Level: "info"}) })

	l := Component("outbox")
	l.Debug().Msg("не попадёт в лог")
	l.Warn().Msg("Публикация отложена")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "outbox", entry["component"])
	assert.Equal(t, "order-service", entry["service"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewContextWithIDs_KeepsExisting(t *testing.T) {
	ctx := WithCorrelationID(WithTraceID(context.Background(), "trace-1"), "order-7")

	ctx = NewContextWithIDs(ctx, "", "")
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
	assert.Equal(t, "order-7", CorrelationIDFromContext(ctx))

	ctx = NewContextWithIDs(ctx, "", "240115_000001")
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
	assert.Equal(t, "240115_000001", CorrelationIDFromContext(ctx))
}

func TestFromContext_PrefersContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := Component("x").Output(&buf)

	ctx := WithTraceID(WithLogger(context.Background(), base), "trace-9")
	Ctx(ctx).Info().Msg("ok")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-9", entry["trace_id"])
	assert.Equal(t, "x", entry["component"])
}
