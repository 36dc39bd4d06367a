package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"subscription-billing/internal/config"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger configured from config.
// Supports "trace" | "debug" | "info" | "warn" | "error" levels
// and "json" | "console" formats. Sampling can be enabled to reduce noise in prod.
func New(cfg config.LogConfig, dev bool) *zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var base zerolog.Logger
	if strings.ToLower(cfg.Format) == "console" || dev {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		base = zerolog.New(out).With().Timestamp().Logger()
	} else {
		base = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	if cfg.Sampling && !dev {
		// Simple sampling: keep first 100, then 1 every 100 thereafter.
		sampled := base.Sample(&zerolog.BasicSampler{N: 100})
		return &sampled
	}
	return &base
}

type ctxKey string

const (
	ctxTraceID  ctxKey = "trace_id"
	ctxPayerRef ctxKey = "payer_ref"
	ctxIntentID ctxKey = "intent_id"
)

// With attaches common context fields such as trace_id, payer_ref, intent_id.
func With(ctx context.Context, base *zerolog.Logger) *zerolog.Logger {
	l := base.With()
	if v := ctx.Value(ctxTraceID); v != nil {
		l = l.Str("trace_id", v.(string))
	}
	if v := ctx.Value(ctxPayerRef); v != nil {
		l = l.Str("payer_ref", v.(string))
	}
	if v := ctx.Value(ctxIntentID); v != nil {
		l = l.Str("intent_id", v.(string))
	}
	logger := l.Logger()
	return &logger
}

// Redact masks an untrusted provider reference for logging, keeping a short
// preview so operators can still correlate lines.
func Redact(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTraceID, id)
}
func WithPayerRef(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxPayerRef, id)
}
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxIntentID, id)
}
