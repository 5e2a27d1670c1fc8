package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// minSecretLen is the shortest secret replaced literally anywhere in a record.
// Shorter ones would rewrite ordinary words and are left to the code= pattern.
const minSecretLen = 6

// Redactor scrubs known secrets and credential-shaped substrings.
type Redactor struct {
	knownSecrets []string
	patterns     []*regexp.Regexp
}

// NewRedactor creates a redactor for the given secrets. Empty entries are
// ignored, and secrets under six characters are only caught as code= values.
func NewRedactor(secrets []string) *Redactor {
	r := &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)([?&]code=)[^&\s"]+`),
			regexp.MustCompile(`(?i)(Authorization: Bearer\s+)([a-zA-Z0-9\-\._~+/]+=*)`),
		},
	}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); len(s) >= minSecretLen {
			r.knownSecrets = append(r.knownSecrets, s)
		}
	}
	return r
}

// Redact replaces secrets in the input string
func (r *Redactor) Redact(input string) string {
	res := input
	for _, secret := range r.knownSecrets {
		res = strings.ReplaceAll(res, secret, redacted)
	}
	for _, re := range r.patterns {
		res = re.ReplaceAllString(res, "${1}"+redacted)
	}
	return res
}

// WithRedaction returns a logger that passes every message and attribute
// through a Redactor before the underlying handler sees it.
func WithRedaction(logger *slog.Logger, secrets []string) *slog.Logger {
	return slog.New(&redactingHandler{next: logger.Handler(), redactor: NewRedactor(secrets)})
}

type redactingHandler struct {
	next     slog.Handler
	redactor *Redactor
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(scrubbed), redactor: h.redactor}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, ga := range group {
			scrubbed[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(scrubbed...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(h.redactor.Redact(err.Error()))
		}
	}
	return a
}
