package logging

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger used across wesflow. Every call takes the
// request context so trace and span IDs end up next to the message.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithContext(ctx context.Context) Logger

	Sync() error
}

// ZapLogger implements Logger on top of zap
type ZapLogger struct {
	base *zap.Logger
	// logger reports the caller of the Logger methods rather than the methods themselves
	logger *zap.Logger
}

func wrap(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base, logger: base.WithOptions(zap.AddCallerSkip(2))}
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// NewLogger builds a logger writing to OutputPath. Internal zap errors go
// to ErrorPath. Both accept "stdout", "stderr" or a file path.
func NewLogger(config LoggingConfig) (Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	encoder, err := newEncoder(config.Format)
	if err != nil {
		return nil, err
	}

	out, _, err := zap.Open(pathOr(config.OutputPath, "stdout"))
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	errOut, _, err := zap.Open(pathOr(config.ErrorPath, "stderr"))
	if err != nil {
		return nil, fmt.Errorf("failed to open log error output: %w", err)
	}

	logger := zap.New(zapcore.NewCore(encoder, out, level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(errOut),
	)
	return wrap(logger), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "json", "":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}

// NewNop returns a logger that discards everything
func NewNop() Logger {
	return wrap(zap.NewNop())
}

// NewFromZap wraps an existing zap logger, e.g. one built by zaptest
func NewFromZap(logger *zap.Logger) Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return wrap(logger)
}

// Zap returns the underlying zap logger for components that take one directly
func (l *ZapLogger) Zap() *zap.Logger {
	return l.base
}

// Execution returns the standard fields identifying a workflow execution
func Execution(id string, state string) []zap.Field {
	return []zap.Field{
		zap.String("execution_id", id),
		zap.String("state", state),
	}
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// With creates a child logger with additional fields
func (l *ZapLogger) With(fields ...zap.Field) Logger {
	return wrap(l.base.With(fields...))
}

// WithContext binds the trace of ctx to a child logger
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	return l.With(traceFields(ctx)...)
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func (l *ZapLogger) log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	ce := l.logger.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(append(traceFields(ctx), fields...)...)
}

// traceFields returns the trace and span IDs carried by ctx, if any
func traceFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}

	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	if sc.IsSampled() {
		fields = append(fields, zap.Bool("sampled", true))
	}
	return fields
}

var (
	globalMu      sync.Mutex
	restoreGlobal func()
)

// SetGlobal installs logger as zap's global logger and redirects the
// standard library log package to it. Calling it again replaces the
// previous installation.
func SetGlobal(logger Logger) {
	zl, ok := logger.(*ZapLogger)
	if !ok {
		return
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if restoreGlobal != nil {
		restoreGlobal()
	}
	base := zl.Zap()
	undoGlobals := zap.ReplaceGlobals(base)
	undoStdLog := zap.RedirectStdLog(base.Named("stdlog"))
	restoreGlobal = func() {
		undoStdLog()
		undoGlobals()
	}
}
