// Package logging bridges the gateway's log/slog call sites onto a
// go.uber.org/zap core, so every subsystem logs through the same structured
// JSON sink and field encoding, per the ambient-stack logging idiom borrowed
// from bugielektrik-library.
package logging

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapHandler implements slog.Handler on top of a zapcore.Core.
type ZapHandler struct {
	core  zapcore.Core
	attrs []zap.Field
	group string
}

// NewZapHandler builds a ZapHandler writing JSON to stdout at the given
// minimum slog level.
func NewZapHandler(level slog.Level) *ZapHandler {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.LevelKey = "level"
	cfg.MessageKey = "msg"
	encoder := zapcore.NewJSONEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), zapLevel(level))
	return &ZapHandler{core: core}
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Enabled implements slog.Handler.
func (h *ZapHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.core.Enabled(zapLevel(level))
}

// Handle implements slog.Handler.
func (h *ZapHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, len(h.attrs)+r.NumAttrs())
	fields = append(fields, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, attrToZap(h.group, a))
		return true
	})

	ent := zapcore.Entry{
		Level:   zapLevel(r.Level),
		Time:    r.Time,
		Message: r.Message,
	}
	if ce := h.core.Check(ent, nil); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *ZapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	added := make([]zap.Field, 0, len(attrs))
	for _, a := range attrs {
		added = append(added, attrToZap(h.group, a))
	}
	merged := make([]zap.Field, 0, len(h.attrs)+len(added))
	merged = append(merged, h.attrs...)
	merged = append(merged, added...)
	return &ZapHandler{core: h.core, attrs: merged, group: h.group}
}

// WithGroup implements slog.Handler. Nested groups are flattened by
// overwriting the prefix, which matches this gateway's one-level-deep
// attribute usage.
func (h *ZapHandler) WithGroup(name string) slog.Handler {
	return &ZapHandler{core: h.core, attrs: h.attrs, group: name}
}

func attrToZap(group string, a slog.Attr) zap.Field {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return zap.String(key, a.Value.String())
	case slog.KindInt64:
		return zap.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		return zap.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		return zap.Float64(key, a.Value.Float64())
	case slog.KindBool:
		return zap.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		return zap.Duration(key, a.Value.Duration())
	case slog.KindTime:
		return zap.Time(key, a.Value.Time())
	default:
		return zap.Any(key, a.Value.Any())
	}
}
