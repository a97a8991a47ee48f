package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeyPatterns lists substrings that indicate a log attribute key holds a secret value.
var sensitiveKeyPatterns = []string{
	"private_key",
	"privkey",
	"secret",
	"p2p_id",
}

// privateKeyPattern matches a bare or 0x-prefixed 32-byte hex secret.
// Compressed (33 bytes) and uncompressed (64 bytes) public keys are longer and do not match.
var privateKeyPattern = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`)

// RedactingHandler wraps an slog.Handler and masks private keys before they
// reach the inner handler.
type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, redactAttr(a))
		return true
	})

	out := slog.NewRecord(r.Time, r.Level, redactString(r.Message), r.PC)
	out.AddAttrs(redacted...)
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	}

	if a.Value.Kind() == slog.KindString {
		val := a.Value.String()
		if redacted := redactString(val); redacted != val {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactString(val string) string {
	return privateKeyPattern.ReplaceAllStringFunc(val, func(match string) string {
		return match[:4] + "...[REDACTED]"
	})
}
