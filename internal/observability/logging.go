package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), failed runs, 5xx responses
//   - warn:  Client errors (4xx), degraded plans, optional step failures, open circuit breakers
//   - info:  Request start/end, run lifecycle transitions, definition reload
//   - debug: Resolved step inputs (redacted), skill invocation details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// StepLogger returns a logger enriched with the StepContext fields and the
// active trace id. If no logger is in the context, the fallback is used.
func StepLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if sc := model.StepContextFrom(ctx); sc != nil {
		fields = append(fields,
			zap.String("execution_id", sc.ExecutionID),
			zap.String("workflow_id", sc.WorkflowID),
			zap.String("step_id", sc.StepID),
			zap.String("skill_id", sc.SkillID),
			zap.Int("stage", sc.Stage),
			zap.Int("attempt", sc.Attempt),
		)
		if sc.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", sc.CorrelationID))
		}
	}

	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"apikey":        true,
	"apiKey":        true,
	"authorization": true,
	"credit_card":   true,
	"ssn":           true,
	"pin":           true,
}

// RedactInputs returns a copy of inputs with sensitive keys replaced by
// "[REDACTED]". The sensitiveFields list is merged with the default sensitive
// names. This is intended for debug-level logging only.
func RedactInputs(inputs map[string]string, sensitiveFields []string) map[string]string {
	if inputs == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = v
		}
	}
	return result
}
