// Package relay performs the single outbound GET behind every accepted
// request and buffers what the upstream returns.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const (
	// DefaultTimeout bounds one upstream call, body included.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodyBytes caps the buffered upstream body.
	DefaultMaxBodyBytes int64 = 32 << 20
	// DefaultUserAgent is sent on every upstream request.
	DefaultUserAgent = "polis-relay/1"
)

// Options configures a Relay. Zero values fall back to the defaults.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	Transport    http.RoundTripper
	Logger       *slog.Logger
	UserAgent    string
}

// Relay fetches upstream resources. It is safe for concurrent use.
type Relay struct {
	client    *http.Client
	maxBody   int64
	userAgent string
	logger    *slog.Logger
}

// New builds a Relay from opts.
func New(opts Options) *Relay {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Relay{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "relay " + r.URL.Host
				}),
			),
			// A redirect is answered, not followed: the next hop never passed
			// the allow-list.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: timeout,
		},
		maxBody:   maxBody,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch issues one GET to target and returns what came back. Any received
// response, whatever its status, is a success. The call is bound to ctx, so
// a disconnecting caller aborts it.
func (r *Relay) Fetch(ctx context.Context, class domain.ResourceClass, target *url.URL) domain.UpstreamOutcome {
	start := time.Now()
	outcome := r.fetch(ctx, class, target)
	elapsed := time.Since(start)

	m := telemetry.RelayMetrics{
		Class:    class,
		Reason:   outcome.Reason(),
		Status:   outcome.Status,
		Bytes:    len(outcome.Body),
		Duration: elapsed,
	}
	if outcome.Failure != nil {
		m.ErrorClass = outcome.Failure.Class
		r.logger.Warn("upstream fetch failed",
			"class", class,
			"host", target.Host,
			"error_class", outcome.Failure.Class,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		r.logger.Debug("upstream fetch completed",
			"class", class,
			"host", target.Host,
			"status", outcome.Status,
			"bytes", len(outcome.Body),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	telemetry.RecordRelayMetrics(ctx, m)

	return outcome
}

func (r *Relay) fetch(ctx context.Context, class domain.ResourceClass, target *url.URL) domain.UpstreamOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return failed(target.Host, ClassTransport)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := r.client.Do(req)
	if err != nil {
		return failed(target.Host, Classify(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return failed(target.Host, Classify(err))
	}
	if int64(len(body)) > r.maxBody {
		return failed(target.Host, Classify(domain.ErrBodyTooLarge))
	}

	return domain.UpstreamOutcome{
		Status: resp.StatusCode,
		Body:   body,
		Header: ShapeHeaders(class, resp.Header),
	}
}

func failed(host, class string) domain.UpstreamOutcome {
	return domain.UpstreamOutcome{
		Failure: &domain.Failure{
			Kind:    domain.ReasonNetworkError,
			Class:   class,
			Message: fmt.Sprintf("no response from %s: %s", host, class),
		},
	}
}

// Error returns the failure of outcome as an error wrapping
// domain.ErrUpstreamUnreachable, or nil when a response was received.
func Error(outcome domain.UpstreamOutcome) error {
	if outcome.Failure == nil {
		return nil
	}
	return &domain.DomainError{
		Err:     errors.Join(domain.ErrUpstreamUnreachable, classErrors[outcome.Failure.Class]),
		Code:    outcome.Failure.Kind,
		Message: outcome.Failure.Message,
	}
}
