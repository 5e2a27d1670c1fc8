package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/relay"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// Request stages, logged under the "stage" key.
const (
	StageReceived       = "received"
	StageTokenChecked   = "token_checked"
	StageURLChecked     = "url_checked"
	StageRelayed        = "relayed"
	StageResponded      = "responded"
	StageRejected       = "rejected"
	StageUpstreamFailed = "upstream_failed"
)

const maxRequestBodyBytes = 64 << 10

// Validator decides whether a proxy request may be relayed.
type Validator interface {
	Validate(ctx context.Context, req domain.ProxyRequest) domain.Decision
}

// Fetcher performs the upstream call for an accepted request.
type Fetcher interface {
	Fetch(ctx context.Context, class domain.ResourceClass, target *url.URL) domain.UpstreamOutcome
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Validator   Validator
	Relay       Fetcher
	Logger      *slog.Logger
	Metrics     *Metrics
	MetricsPath string
	ServiceName string
}

type handler struct {
	validator Validator
	relay     Fetcher
	logger    *slog.Logger
	metrics   *Metrics
}

// proxyBody is the JSON body accepted by POST /api.
type proxyBody struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// NewHandler builds the relay's HTTP handler. Validator and Relay are
// required; Metrics is optional and mounts the exposition route when set.
func NewHandler(cfg Config) http.Handler {
	if cfg.Validator == nil || cfg.Relay == nil {
		panic("server: validator and relay are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "polis-relay"
	}

	h := &handler{
		validator: cfg.Validator,
		relay:     cfg.Relay,
		logger:    logger,
		metrics:   cfg.Metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.serveRoot)
	mux.HandleFunc("/healthz", h.serveHealth)
	mux.HandleFunc("/img", h.serveProxy(domain.ClassImage, http.MethodGet))
	mux.HandleFunc("/api", h.serveProxy(domain.ClassAPI, http.MethodGet, http.MethodPost))
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, cfg.Metrics.Handler())
	}

	var next http.Handler = h.accessLog(mux)
	if cfg.Metrics != nil {
		next = cfg.Metrics.Middleware(next)
	}
	next = withRequestID(next)

	return otelhttp.NewHandler(next, serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (h *handler) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.writeError(r.Context(), w, domain.ReasonNotFound, "no such route")
		return
	}
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		h.writeError(r.Context(), w, domain.ReasonMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

func (h *handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		h.writeError(r.Context(), w, domain.ReasonMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) serveProxy(class domain.ResourceClass, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := h.logger.With(
			"request_id", RequestIDFromContext(ctx),
			"class", class,
			"method", r.Method,
		)

		if !allowMethod(w, r, methods...) {
			h.finish(class, domain.ReasonMethodNotAllowed)
			h.writeError(ctx, w, domain.ReasonMethodNotAllowed, "method not allowed")
			return
		}

		req, err := parseProxyRequest(w, r, class)
		if err != nil {
			logger.Info("request rejected", "stage", StageRejected, "reason", domain.ReasonInvalidRequest, "error", err)
			h.finish(class, domain.ReasonInvalidRequest)
			h.writeError(ctx, w, domain.ReasonInvalidRequest, "request body must be a JSON object with code and url")
			return
		}
		logger.Debug("request received", "stage", StageReceived)

		decision := h.validator.Validate(ctx, req)
		telemetry.RecordDecision(ctx, class, decision)
		if !decision.Accepted {
			attrs := []any{"stage", StageRejected, "reason", decision.Reason, "detail", decision.Detail}
			if decision.Reason == domain.ReasonInvalidURL {
				attrs = append(attrs, "passed", StageTokenChecked)
				if host := hostOf(req.TargetURL); host != "" {
					logger.Debug("rejected target", "host", host)
				}
			}
			logger.Info("request rejected", attrs...)
			telemetry.RecordRejection(trace.SpanFromContext(ctx), class, decision.Reason)
			h.finish(class, decision.Reason)
			h.writeError(ctx, w, decision.Reason, rejectionMessage(decision))
			return
		}
		logger.Debug("request validated", "stage", StageURLChecked, "host", decision.Target.Host)

		start := time.Now()
		outcome := h.relay.Fetch(ctx, class, decision.Target)
		if outcome.Failed() {
			logger.Warn("upstream failed",
				"stage", StageUpstreamFailed,
				"reason", outcome.Failure.Kind,
				"error", relay.Error(outcome),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			h.finish(class, outcome.Failure.Kind)
			h.writeError(ctx, w, outcome.Failure.Kind, outcome.Failure.Message)
			return
		}
		logger.Debug("upstream responded", "stage", StageRelayed, "status", outcome.Status)

		for key, values := range outcome.Header {
			w.Header()[key] = append([]string(nil), values...)
		}
		w.WriteHeader(outcome.Status)
		if r.Method != http.MethodHead {
			if _, err := w.Write(outcome.Body); err != nil {
				logger.Debug("client went away while writing body", "error", err)
			}
		}

		h.finish(class, outcome.Reason())
		logger.Info("request relayed",
			"stage", StageResponded,
			"host", decision.Target.Host,
			"status", outcome.Status,
			"bytes", len(outcome.Body),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (h *handler) finish(class domain.ResourceClass, reason domain.Reason) {
	if h.metrics != nil {
		h.metrics.RecordOutcome(class, reason)
	}
}

// accessLog writes one line per request. Only the path is logged: the query
// string carries the access code.
func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := wrapRecorder(w)
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		h.logger.Log(r.Context(), level, "http request",
			"request_id", RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.Status(),
			"bytes", rec.bytes,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// parseProxyRequest reads code and url from the query string or, for POST,
// from a JSON body. Query parameters fill fields the body leaves empty.
func parseProxyRequest(w http.ResponseWriter, r *http.Request, class domain.ResourceClass) (domain.ProxyRequest, error) {
	query := r.URL.Query()
	req := domain.ProxyRequest{
		Class:  class,
		Method: r.Method,
	}

	if r.Method == http.MethodPost {
		var body proxyBody
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return req, err
		}
		req.Token = body.Code
		req.TargetURL = body.URL
	}

	if req.Token == "" {
		req.Token = query.Get("code")
	}
	if req.TargetURL == "" {
		req.TargetURL = query.Get("url")
	}
	return req, nil
}

func rejectionMessage(decision domain.Decision) string {
	switch decision.Reason {
	case domain.ReasonUnauthorized:
		return "invalid access code"
	case domain.ReasonInvalidURL:
		if decision.Detail != "" {
			return "invalid url: " + decision.Detail
		}
		return "invalid url"
	default:
		return string(decision.Reason)
	}
}

// hostOf returns the host of rawURL, or "" when it does not parse.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	return false
}

// StatusFor maps a reason code to its HTTP status.
func StatusFor(reason domain.Reason) int {
	switch reason {
	case domain.ReasonUnauthorized:
		return http.StatusUnauthorized
	case domain.ReasonInvalidURL, domain.ReasonInvalidRequest:
		return http.StatusBadRequest
	case domain.ReasonNetworkError:
		return http.StatusBadGateway
	case domain.ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case domain.ReasonNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the JSON error body with the active trace ID.
func (h *handler) writeError(ctx context.Context, w http.ResponseWriter, reason domain.Reason, message string) {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	writeJSON(w, StatusFor(reason), domain.ErrorResponse{
		Error: domain.ErrorBody{
			Code:    reason,
			Message: message,
			TraceID: traceID,
		},
	}, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
