package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/domain"
)

// Store is the process-wide, read-only policy: accepted secrets, one allow
// pattern per resource class and an optional Rego target policy. It is built
// once before the server accepts requests and never mutated afterwards, so
// concurrent readers need no locking.
type Store struct {
	secrets  []string
	patterns map[domain.ResourceClass]*regexp.Regexp
	target   *TargetPolicy
}

// NewStore compiles cfg into a Store. Any problem (no secret, a pattern that
// does not compile, an unknown or repeated class, an unusable Rego module) is
// returned as an error wrapping domain.ErrConfigInvalid so startup can abort.
func NewStore(ctx context.Context, cfg config.PolicyConfig) (*Store, error) {
	secrets := make([]string, 0, len(cfg.Secrets))
	for _, s := range cfg.Secrets {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, domain.ErrSecretMissing)
	}

	patterns := make(map[domain.ResourceClass]*regexp.Regexp, len(cfg.Patterns))
	for name, expr := range cfg.Patterns {
		class, err := domain.ParseResourceClass(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
		if _, dup := patterns[class]; dup {
			return nil, fmt.Errorf("%w: resource class %q configured more than once", domain.ErrConfigInvalid, class)
		}
		re, err := compileAnchored(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern for %q: %w", domain.ErrConfigInvalid, class, err)
		}
		patterns[class] = re
	}
	for _, class := range domain.ResourceClasses() {
		if _, ok := patterns[class]; !ok {
			return nil, fmt.Errorf("%w: no allow pattern for resource class %q", domain.ErrConfigInvalid, class)
		}
	}

	store := &Store{secrets: secrets, patterns: patterns}

	if path := strings.TrimSpace(cfg.RegoFile); path != "" {
		target, err := LoadTargetPolicy(ctx, path, cfg.RegoQuery)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
		store.target = target
	}

	return store, nil
}

// compileAnchored anchors expr at the start of the input. The end is only
// anchored when expr itself says so.
func compileAnchored(expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return regexp.Compile(`^(?:` + expr + `)`)
}

// Secret returns the primary accepted token.
func (s *Store) Secret() string {
	return s.secrets[0]
}

// Secrets returns a copy of every accepted token.
func (s *Store) Secrets() []string {
	return append([]string(nil), s.secrets...)
}

// Pattern returns the allow pattern bound to class.
func (s *Store) Pattern(class domain.ResourceClass) (*regexp.Regexp, bool) {
	re, ok := s.patterns[class]
	return re, ok
}

// TargetPolicy returns the optional Rego policy, or nil.
func (s *Store) TargetPolicy() *TargetPolicy {
	return s.target
}
