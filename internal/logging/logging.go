// Package logging builds the zap logger used across the API and carries a
// request-scoped logger and request id on context.Context.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MaxFallbackBytes bounds the fmt rendering used for values that cannot be
// encoded as JSON.
const MaxFallbackBytes = 2048

type loggerKey struct{}

type requestIDKey struct{}

// New returns a JSON production logger at the given level, or a console
// development logger when development is true.
func New(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request-scoped logger, or a no-op logger when none
// was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return zap.NewNop()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Safe returns a field holding value encoded as JSON. Values json cannot
// encode (cycles, channels, funcs) are rendered with fmt and truncated.
func Safe(key string, value any) zap.Field {
	return zap.Any(key, safeValue(value))
}

func safeValue(value any) (out any) {
	if value == nil {
		return nil
	}
	if err, ok := value.(error); ok {
		return map[string]any{"message": err.Error()}
	}
	defer func() {
		if recover() != nil {
			out = fallback(value)
		}
	}()
	raw, err := json.Marshal(value)
	if err != nil {
		return fallback(value)
	}
	return json.RawMessage(raw)
}

func fallback(value any) (rendered string) {
	defer func() {
		if recover() != nil {
			rendered = fmt.Sprintf("<unprintable %T>", value)
		}
	}()
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		// self-referencing containers would recurse forever in fmt
		return fmt.Sprintf("<%T len=%d>", value, reflect.ValueOf(value).Len())
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("<%T>", value)
	}
	return truncate(fmt.Sprintf("%+v", value), MaxFallbackBytes)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	// back up to a rune boundary
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
