// Package observability carries the logging, metrics and health plumbing
// shared by the settle binaries.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerOptions selects handler, level and output. Zero values follow Env:
// production writes JSON to stdout, anything else writes text to stderr.
type LoggerOptions struct {
	Env     string
	Level   string
	Format  string
	Version string
	Output  io.Writer
}

// sensitiveKeys are attribute names whose values never reach a log line.
var sensitiveKeys = map[string]struct{}{
	"authorization":    {},
	"api_key":          {},
	"secret":           {},
	"password":         {},
	"signature":        {},
	"stripe-signature": {},
	"webhook_secret":   {},
	"card_number":      {},
}

const redacted = "[REDACTED]"

// NewLogger builds a logger that stamps service metadata on every record
// and lifts correlation and request IDs out of the context.
func NewLogger(opts LoggerOptions) *slog.Logger {
	production := opts.Env == "production"

	out := opts.Output
	if out == nil {
		out = os.Stderr
		if production {
			out = os.Stdout
		}
	}

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "text"
		if production {
			format = "json"
		}
	}

	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		AddSource:   production,
		ReplaceAttr: redact,
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", "settle"),
		slog.String("version", version),
	})
	return slog.New(contextHandler{h})
}

// LoggerFor is NewLogger for the common configuration fields.
func LoggerFor(env, level, format, version string) *slog.Logger {
	return NewLogger(LoggerOptions{Env: env, Level: level, Format: format, Version: version})
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown
// names fall back to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// contextHandler adds the IDs from WithCorrelationID and WithRequestID.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String(CorrelationIDKey, id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String(RequestIDKey, id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
