package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, NewConfig())
	log.Info("hello", zap.String("tenant_id", "tenant-a"))
	log.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "tenant-a", entry["tenant_id"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewConsoleDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Format: FormatConsole, Level: zapcore.DebugLevel})
	log.Debug("visible")
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "visible")
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.NotNil(t, FromContextOr(ctx, nil))

	l := zap.NewExample()
	ctx = NewContextWithLogger(ctx, l)
	assert.Same(t, l, FromContext(ctx))
	assert.Same(t, l, FromContextOr(ctx, zap.NewNop()))
}
