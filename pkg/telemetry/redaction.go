package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Redaction strategies.
const (
	StrategyDrop    = "drop"
	StrategyMask    = "mask"
	StrategyHash    = "hash"
	StrategyReplace = "replace"
	StrategyQuery   = "query"
)

const redactedValue = "[REDACTED]"

// Redaction names an attribute and the strategy applied to it.
type Redaction struct {
	Attribute string
	Strategy  string
}

// defaultRedactions cover the attributes otelhttp records for relay traffic.
// Access codes travel as the "code" query parameter, so every attribute that
// may carry a query string is rewritten.
var defaultRedactions = map[string]string{
	"http.request.header.authorization": StrategyDrop,
	"http.request.header.cookie":        StrategyDrop,
	"http.response.header.set_cookie":   StrategyDrop,
	"request.body":                      StrategyDrop,
	"response.body":                     StrategyDrop,
	"url.full":                          StrategyQuery,
	"url.query":                         StrategyQuery,
	"http.url":                          StrategyQuery,
	"http.target":                       StrategyQuery,
}

var sensitiveParams = map[string]struct{}{
	"code":  {},
	"token": {},
	"url":   {},
}

// RedactAttributes applies the default redaction policy plus any extra
// redactions to attrs. Dropped attributes are removed from the result.
func RedactAttributes(extra []Redaction, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	strategies := make(map[string]string, len(defaultRedactions)+len(extra))
	for key, strategy := range defaultRedactions {
		strategies[key] = strategy
	}
	for _, r := range extra {
		strategy := strings.ToLower(r.Strategy)
		if strategy == "" {
			strategy = StrategyDrop
		}
		strategies[r.Attribute] = strategy
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		switch strategies[key] {
		case StrategyDrop:
			continue
		case StrategyMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case StrategyHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		case StrategyReplace, "redact":
			redacted = append(redacted, attribute.String(key, redactedValue))
		case StrategyQuery:
			redacted = append(redacted, attribute.String(key, RedactQuery(kv.Value.Emit())))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// RedactQuery replaces the values of sensitive query parameters in s, which
// may be a full URL, a request target or a bare query string.
func RedactQuery(s string) string {
	prefix, query, found := strings.Cut(s, "?")
	if !found {
		if strings.Contains(s, "://") || strings.HasPrefix(s, "/") {
			return s
		}
		prefix, query = "", s
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return prefix + sep(found) + redactedValue
	}

	changed := false
	for name := range values {
		if _, ok := sensitiveParams[strings.ToLower(name)]; ok {
			values[name] = []string{redactedValue}
			changed = true
		}
	}
	if !changed {
		return s
	}
	return prefix + sep(found) + values.Encode()
}

func sep(found bool) string {
	if found {
		return "?"
	}
	return ""
}

// maskValue keeps the first and last four characters.
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic digest for correlation.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:4]) + "]"
}

// redactingProcessor rewrites sensitive start attributes before any exporter
// sees them. Attributes cannot be removed from a live span, so dropped keys
// are overwritten with a placeholder.
type redactingProcessor struct {
	extra []Redaction
}

// NewRedactingProcessor returns a span processor that applies
// RedactAttributes to every span as it starts.
func NewRedactingProcessor(extra []Redaction) sdktrace.SpanProcessor {
	return &redactingProcessor{extra: extra}
}

func (p *redactingProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	attrs := s.Attributes()
	if len(attrs) == 0 {
		return
	}

	kept := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range RedactAttributes(p.extra, attrs) {
		kept[kv.Key] = kv.Value
	}

	var updates []attribute.KeyValue
	for _, kv := range attrs {
		v, ok := kept[kv.Key]
		switch {
		case !ok:
			updates = append(updates, attribute.String(string(kv.Key), redactedValue))
		case v != kv.Value:
			updates = append(updates, attribute.KeyValue{Key: kv.Key, Value: v})
		}
	}
	if len(updates) > 0 {
		s.SetAttributes(updates...)
	}
}

func (p *redactingProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (p *redactingProcessor) Shutdown(context.Context) error { return nil }

func (p *redactingProcessor) ForceFlush(context.Context) error { return nil }
