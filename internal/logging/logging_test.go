package logging

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(zapcore.AddSync(&buf), false, false, zapcore.InfoLevel)
	logger.Debug("hidden")
	logger.Info("hello", zap.String("k", "v"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "v", entry["k"])
	require.Contains(t, entry, "hostname")
	require.Contains(t, entry, "pid")
	require.Contains(t, entry, "time")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, l)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestSource(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Source(zap.New(core), "users").Debug("acquiring")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "source", entries[0].LoggerName)
	require.Equal(t, "users", entries[0].ContextMap()["source"])

	require.NotNil(t, Source(nil, "x"))
}
