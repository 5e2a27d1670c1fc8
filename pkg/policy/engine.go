package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultTargetQuery = "data.relay.allow"

// TargetInput is the document exposed to Rego as `input`.
type TargetInput struct {
	Class  string `json:"class"`
	URL    string `json:"url"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Path   string `json:"path"`
	Method string `json:"method"`
}

// TargetPolicy evaluates a boolean Rego rule that can further restrict which
// upstream URLs are fetched. It is prepared once and safe for concurrent use.
type TargetPolicy struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// LoadTargetPolicy reads a Rego module from path and prepares query against it.
func LoadTargetPolicy(ctx context.Context, path, query string) (*TargetPolicy, error) {
	//nolint:gosec // Policy path is controlled by admin/operator
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rego module %s: %w", path, err)
	}
	return NewTargetPolicy(ctx, path, string(src), query)
}

// NewTargetPolicy parses the Rego source and prepares query. An empty query
// selects data.relay.allow.
func NewTargetPolicy(ctx context.Context, name, src, query string) (*TargetPolicy, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		query = defaultTargetQuery
	}
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("rego module is empty")
	}

	module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego query %q: %w", query, err)
	}

	return &TargetPolicy{query: query, prepared: prepared}, nil
}

// Query returns the decision query this policy evaluates.
func (p *TargetPolicy) Query() string {
	return p.query
}

// Allow evaluates the policy. An undefined result or anything other than a
// single boolean true denies.
func (p *TargetPolicy) Allow(ctx context.Context, input TargetInput) (bool, error) {
	doc := map[string]any{
		"class":  input.Class,
		"url":    input.URL,
		"scheme": input.Scheme,
		"host":   input.Host,
		"path":   input.Path,
		"method": input.Method,
	}

	results, err := p.prepared.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}
	return results.Allowed(), nil
}
