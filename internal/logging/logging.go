package logging

import (
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger writing to stdout. pretty selects the
// console encoder, otherwise JSON.
func New(pretty, development bool, level zapcore.LevelEnabler) *zap.Logger {
	return NewZapLogger(zapcore.AddSync(os.Stdout), pretty, development, level)
}

// ParseLevel maps a config level name ("debug", "info", ...) to a zap level.
// An empty name means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return l, nil
}

func baseEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeDuration = zapcore.SecondsDurationEncoder
	ec.TimeKey = "time"
	return ec
}

func jsonEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		millis := int64(math.Trunc(float64(t.UnixNano()) / float64(time.Millisecond)))
		enc.AppendInt64(millis)
	}
	return zapcore.NewJSONEncoder(ec)
}

func consoleEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.ConsoleSeparator = " "
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05 PM")
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func coreOptions(development bool) []zap.Option {
	var opts []zap.Option
	if development {
		opts = append(opts, zap.AddCaller(), zap.Development())
	}
	return append(opts, zap.AddStacktrace(zap.ErrorLevel))
}

// NewZapLogger builds a logger over syncer with hostname and pid attached.
func NewZapLogger(syncer zapcore.WriteSyncer, pretty, development bool, level zapcore.LevelEnabler) *zap.Logger {
	encoder := jsonEncoder()
	if pretty {
		encoder = consoleEncoder()
	}
	logger := zap.New(zapcore.NewCore(encoder, syncer, level), coreOptions(development)...)

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return logger.With(zap.String("hostname", host), zap.Int("pid", os.Getpid()))
}

// Source returns the child logger used for everything concerning one
// configured source.
func Source(logger *zap.Logger, name string) *zap.Logger {
	return OrNop(logger).Named("source").With(zap.String("source", name))
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
