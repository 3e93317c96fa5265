// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package logging configures structured logging for the video session service.
package logging

import (
	"context"
	"log"
	"log/slog"
	"os"

	slogotel "github.com/remychantenay/slog-otel"
)

// ErrKey is the log attribute key errors are reported under.
const ErrKey = "error"

// priorityCritical marks records operators should be paged on.
// TODO: alert on records carrying this field once the paging pipeline exists.
const priorityCritical = "critical"

// ctxAttrsKey keys the slog attributes carried in a context.
type ctxAttrsKey struct{}

// AppendCtx returns a context whose attributes are added to every log record
// created with it. Attributes accumulate across calls.
func AppendCtx(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	existing, _ := parent.Value(ctxAttrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(parent, ctxAttrsKey{}, merged)
}

// contextHandler copies context-carried attributes onto each record before
// delegating to the wrapped handler.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxAttrsKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

// levelFromEnv reads LOG_LEVEL, defaulting to debug when unset or
// unrecognized.
func levelFromEnv() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// InitStructureLogConfig installs the service-wide JSON logger. LOG_LEVEL
// picks the level, LOG_ADD_SOURCE adds caller positions, and when OTLP log
// export is on the records are correlated with the active span.
func InitStructureLogConfig() slog.Handler {
	addSource := os.Getenv("LOG_ADD_SOURCE")
	options := &slog.HandlerOptions{
		Level:     levelFromEnv(),
		AddSource: addSource == "true" || addSource == "t" || addSource == "1",
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, options)
	if os.Getenv("OTEL_LOGS_EXPORTER") == "otlp" {
		handler = slogotel.OtelHandler{Next: handler}
	}

	log.SetFlags(log.Llongfile)
	slog.SetDefault(slog.New(contextHandler{handler}))

	slog.Info("log config",
		"logLevel", options.Level,
		"addSource", options.AddSource,
	)

	return handler
}

// Priority tags a record with an operator-facing priority.
func Priority(level string) slog.Attr {
	return slog.String("priority", level)
}

// PriorityCritical tags a record as requiring operator attention.
func PriorityCritical() slog.Attr {
	return Priority(priorityCritical)
}
