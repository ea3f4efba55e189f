package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	l := New("debug", "json")
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l = New("warn", "console")
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l = New("nonsense", "json")
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), SessionIDKey, "session-1")
	ctx = WithValue(ctx, PeerKey, "10.0.0.1:9000")
	cl.LogRequest(ctx, "GET", "/connections", 200, 3)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "session-1", fields["session_id"])
		assert.Equal(t, "10.0.0.1:9000", fields["peer"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestContextLogger_NoFields(t *testing.T) {
	base := zap.NewNop()
	cl := NewContextLogger(base)
	assert.Same(t, base, cl.WithContext(context.Background()))
}
