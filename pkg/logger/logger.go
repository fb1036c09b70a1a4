// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	connIDKey    contextKey = "conn_id"
	requestIDKey contextKey = "request_id"
)

var contextKeys = [...]contextKey{traceIDKey, connIDKey, requestIDKey}

// Config - настройки логгера.
// DevMode включает консольный формат и уровень debug по умолчанию.
// Output - "stderr" (по умолчанию) или "stdout".
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
	Output  string `mapstructure:"output"`
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		if c.DevMode {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

func (c Config) sink() (zapcore.WriteSyncer, error) {
	switch c.Output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	default:
		return nil, fmt.Errorf("logger: unknown output %q", c.Output)
	}
}

func encoder(dev bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	if dev {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// Logger - обёртка над *zap.Logger с полями из контекста.
type Logger struct {
	raw *zap.Logger
}

// New строит логгер по cfg. В prod-режиме повторяющиеся записи
// сэмплируются: тики идут тысячами в секунду.
func New(cfg Config) (*Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}
	out, err := cfg.sink()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(cfg.DevMode), out, zap.NewAtomicLevelAt(lvl))
	if !cfg.DevMode {
		core = zapcore.NewSamplerWithOptions(core, 1e9, 100, 100)
	}
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.DevMode {
		opts = append(opts, zap.Development())
	}
	return &Logger{raw: zap.New(core, opts...)}, nil
}

// NewWithCore оборачивает произвольное ядро (например, observer в тестах).
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{raw: zap.New(core, zap.AddCallerSkip(1))}
}

// NewNop - логгер, который ничего не пишет.
func NewNop() *Logger {
	return &Logger{raw: zap.NewNop()}
}

// Sync сбрасывает буферы, ошибка игнорируется.
func (l *Logger) Sync() { _ = l.raw.Sync() }

// Named - дочерний логгер с именем компонента.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name)}
}

// With - дочерний логгер с постоянными полями.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{raw: l.raw.With(fields...)}
}

// WithContext добавляет trace_id, conn_id и request_id, если они есть в ctx.
// Без них возвращает тот же логгер.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Sugar - printf-стиль.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.raw.Sugar() }

// Zap - исходный *zap.Logger.
func (l *Logger) Zap() *zap.Logger { return l.raw }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// ContextWithTraceID кладёт trace-ID в контекст.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// ContextWithConnID помечает контекст идентификатором upstream-соединения.
func ContextWithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ContextWithRequestID кладёт request-ID в контекст.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
