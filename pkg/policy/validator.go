package policy

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/url"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Validator applies a Store to individual requests.
type Validator struct {
	store  *Store
	logger *slog.Logger
}

// NewValidator creates a validator bound to store.
func NewValidator(store *Store, logger *slog.Logger) *Validator {
	if store == nil {
		panic("policy: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, logger: logger}
}

// VerifyToken reports whether token equals one of the accepted secrets.
// An empty token never matches.
func (v *Validator) VerifyToken(token string) bool {
	if token == "" {
		return false
	}
	ok := 0
	for _, secret := range v.store.secrets {
		ok |= subtle.ConstantTimeCompare([]byte(token), []byte(secret))
	}
	return ok == 1
}

// VerifyURL reports whether rawURL is an absolute https URL whose canonical
// string matches the allow pattern of class.
func (v *Validator) VerifyURL(rawURL string, class domain.ResourceClass) bool {
	_, _, ok := v.checkURL(rawURL, class)
	return ok
}

// Validate runs the token check, then the URL check, then the optional Rego
// target policy. The first failing check decides the reason.
func (v *Validator) Validate(ctx context.Context, req domain.ProxyRequest) domain.Decision {
	if !v.VerifyToken(req.Token) {
		return domain.Reject(domain.ReasonUnauthorized, "token mismatch")
	}

	target, detail, ok := v.checkURL(req.TargetURL, req.Class)
	if !ok {
		return domain.Reject(domain.ReasonInvalidURL, detail)
	}

	if tp := v.store.target; tp != nil {
		allowed, err := tp.Allow(ctx, TargetInput{
			Class:  string(req.Class),
			URL:    target.String(),
			Scheme: target.Scheme,
			Host:   target.Host,
			Path:   target.Path,
			Method: req.Method,
		})
		if err != nil {
			v.logger.Warn("target policy evaluation failed",
				"class", req.Class,
				"host", target.Host,
				"query", tp.Query(),
				"error", err,
			)
			return domain.Reject(domain.ReasonInvalidURL, "target policy evaluation failed")
		}
		if !allowed {
			return domain.Reject(domain.ReasonInvalidURL, "target policy denied")
		}
	}

	return domain.Accept(target)
}

// checkURL returns the parsed target, or a detail string describing the
// failure. The detail never contains the URL itself.
func (v *Validator) checkURL(rawURL string, class domain.ResourceClass) (*url.URL, string, bool) {
	if rawURL == "" {
		return nil, "missing url", false
	}

	pattern, ok := v.store.Pattern(class)
	if !ok {
		return nil, "no allow pattern for class", false
	}

	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err.Error(), false
	}

	if !pattern.MatchString(target.String()) {
		return nil, "url does not match allow pattern", false
	}

	return target, "", true
}
