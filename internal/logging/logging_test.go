package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "debug", Env: "dev"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = New(Config{Level: "warn", Env: "prod"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = New(Config{Level: "loud", Env: "prod"})
	assert.Error(t, err)
}

func TestInfo_AddsTraceFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	Info(ctx, logger, "with trace", zap.String("userId", "u1"))
	Warn(context.Background(), logger, "without trace")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", fields["trace_id"])
	assert.Equal(t, "0102030405060708", fields["span_id"])
	assert.Equal(t, "u1", fields["userId"])

	_, ok := entries[1].ContextMap()["trace_id"]
	assert.False(t, ok)
}
