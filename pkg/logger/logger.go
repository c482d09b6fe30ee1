// Package logger provides the catalog's structured logging, built on
// zap. It exposes a small global logger plus context helpers so handlers
// can tag every log line with the run uid, stream, and correlation id a
// request is operating on without threading a logger through every call.
package logger

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

type contextKey string

const (
	// CorrelationIDKey is the context key for a request-scoped
	// correlation id, generated once per incoming call and threaded
	// through every log line it produces.
	CorrelationIDKey contextKey = "correlation_id"
	// RunUIDKey is the context key for the run uid a request concerns.
	RunUIDKey contextKey = "run_uid"
	// StreamKey is the context key for the stream name a request
	// concerns.
	StreamKey contextKey = "stream"
)

// NewCorrelationID generates a fresh correlation id for an incoming
// request.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a context carrying id, generating a fresh one
// if id is empty.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewCorrelationID()
	}
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// Rotation configures on-disk log rotation via lumberjack. A zero value
// disables rotation (logs go only to the configured OutputPaths).
type Rotation struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config represents logger configuration.
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
	Rotation    Rotation
}

// Init initializes the global logger. Only the first call takes effect;
// subsequent calls are no-ops, matching the once-per-process semantics a
// global logger needs.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = newLogger(cfg)
	})
	return err
}

func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	var encoder zapcore.Encoder
	if encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}
	stdSink, _, err := zap.Open(outputPaths...)
	if err != nil {
		return nil, fmt.Errorf("opening log output paths: %w", err)
	}
	cores = append(cores, zapcore.NewCore(encoder, stdSink, zap.NewAtomicLevelAt(level)))

	if cfg.Rotation.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Rotation.Filename,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), zap.NewAtomicLevelAt(level)))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// Get returns the global logger, lazily initializing it with production
// defaults if Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		cfg := Config{Level: "info", Development: false, Encoding: "json"}
		if err := Init(cfg); err != nil {
			logger, _ := zap.NewProduction()
			globalLogger = logger
		}
	}
	return globalLogger
}

// WithContext returns a logger annotated with the correlation id, run uid,
// and stream carried on ctx, if present.
func WithContext(ctx context.Context) *zap.Logger {
	logger := Get()

	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		logger = logger.With(zap.String("correlation_id", id))
	}
	if uid, ok := ctx.Value(RunUIDKey).(string); ok {
		logger = logger.With(zap.String("run_uid", uid))
	}
	if stream, ok := ctx.Value(StreamKey).(string); ok {
		logger = logger.With(zap.String("stream", stream))
	}

	return logger
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

// Info logs an info message.
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

// Error logs an error message.
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// Fatal logs a fatal message and exits the process.
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
	os.Exit(1)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger { return Get().With(fields...) }

// Sync flushes any buffered log entries.
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
