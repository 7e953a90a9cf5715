package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meridian/pkg/logging"
)

// Logger is the structured logger every component takes. The Ctx variants
// put the ids carried on ctx ahead of the call's own fields.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	DebugwCtx(ctx context.Context, msg string, keysAndValues ...any)
	InfowCtx(ctx context.Context, msg string, keysAndValues ...any)
	WarnwCtx(ctx context.Context, msg string, keysAndValues ...any)
	ErrorwCtx(ctx context.Context, msg string, keysAndValues ...any)

	With(keysAndValues ...any) Logger
	Sync() error
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "timestamp",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// New builds a logger writing to stderr. level is a zap level name and
// defaults to info; format is "json" (default) or "console".
func New(level, format string) (Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		lvl = parsed
	}

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("logging format %q: want json or console", format)
	}

	return FromCore(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))), nil
}

// FromCore wraps a zap core, for example an observer in tests.
func FromCore(core zapcore.Core) Logger {
	z := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &zapLogger{sugar: z.Sugar()}
}

func NopLogger() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugw(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

func (l *zapLogger) DebugwCtx(ctx context.Context, msg string, kv ...any) {
	l.sugar.Logw(zapcore.DebugLevel, msg, withContext(ctx, kv)...)
}

func (l *zapLogger) InfowCtx(ctx context.Context, msg string, kv ...any) {
	l.sugar.Logw(zapcore.InfoLevel, msg, withContext(ctx, kv)...)
}

func (l *zapLogger) WarnwCtx(ctx context.Context, msg string, kv ...any) {
	l.sugar.Logw(zapcore.WarnLevel, msg, withContext(ctx, kv)...)
}

func (l *zapLogger) ErrorwCtx(ctx context.Context, msg string, kv ...any) {
	l.sugar.Logw(zapcore.ErrorLevel, msg, withContext(ctx, kv)...)
}

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(kv...)}
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

func withContext(ctx context.Context, kv []any) []any {
	fields := logging.GetLogFields(ctx)
	if len(fields) == 0 {
		return kv
	}
	return append(fields, kv...)
}
