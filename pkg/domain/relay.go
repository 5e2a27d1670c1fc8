package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ResourceClass names a category of proxied target. Each class has its own
// allow pattern and response shaping rules.
type ResourceClass string

// Known resource classes.
const (
	ClassImage ResourceClass = "image"
	ClassAPI   ResourceClass = "api"
)

// ResourceClasses lists every class the relay serves, in a stable order.
func ResourceClasses() []ResourceClass {
	return []ResourceClass{ClassImage, ClassAPI}
}

// ParseResourceClass converts a configuration name into a ResourceClass.
func ParseResourceClass(name string) (ResourceClass, error) {
	switch ResourceClass(strings.ToLower(strings.TrimSpace(name))) {
	case ClassImage:
		return ClassImage, nil
	case ClassAPI:
		return ClassAPI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
}

// Reason is a stable machine-readable code describing why a request did not
// produce a relayed upstream response.
type Reason string

// Reason codes surfaced in logs and JSON error bodies.
const (
	ReasonNone             Reason = ""
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonInvalidURL       Reason = "invalid_url"
	ReasonNetworkError     Reason = "network_error"
	ReasonUpstreamError    Reason = "upstream_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonMethodNotAllowed Reason = "method_not_allowed"
	ReasonNotFound         Reason = "not_found"
)

// ProxyRequest is the transient per-call input: which class, which token,
// which target. It is never persisted.
type ProxyRequest struct {
	Class     ResourceClass
	Token     string
	TargetURL string
	Method    string
}

// Decision is the validator verdict for a ProxyRequest.
type Decision struct {
	Accepted bool
	Reason   Reason
	// Detail is an operator-facing explanation. It is logged, never returned to callers.
	Detail string
	// Target is the parsed upstream URL; set only when Accepted.
	Target *url.URL
}

// Accept returns an accepting decision for target.
func Accept(target *url.URL) Decision {
	return Decision{Accepted: true, Target: target}
}

// Reject returns a rejecting decision carrying reason and detail.
func Reject(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Failure describes an upstream call that produced no response at all.
type Failure struct {
	Kind Reason
	// Class is a coarse error category such as timeout, dns or tls.
	Class   string
	Message string
}

// UpstreamOutcome is what the relay observed: either a received response, or
// a Failure when nothing was received.
type UpstreamOutcome struct {
	Status  int
	Body    []byte
	Header  http.Header
	Failure *Failure
}

// Failed reports whether no upstream response was received.
func (o UpstreamOutcome) Failed() bool {
	return o.Failure != nil
}

// Reason classifies the outcome for logs and metrics. Non-2xx responses are
// relayed verbatim but still tagged upstream_error.
func (o UpstreamOutcome) Reason() Reason {
	switch {
	case o.Failure != nil:
		return o.Failure.Kind
	case o.Status < 200 || o.Status > 299:
		return ReasonUpstreamError
	default:
		return ReasonNone
	}
}
