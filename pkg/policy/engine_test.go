package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetPolicyAllow(t *testing.T) {
	module := `package relay

allow if input.host == "api.mangacopy.com"
`
	tp, err := NewTargetPolicy(context.Background(), "host.rego", module, "")
	require.NoError(t, err)
	assert.Equal(t, "data.relay.allow", tp.Query())

	ok, err := tp.Allow(context.Background(), TargetInput{Class: "api", Host: "api.mangacopy.com"})
	require.NoError(t, err)
	assert.True(t, ok)

	// allow is undefined for other hosts, which denies.
	ok, err = tp.Allow(context.Background(), TargetInput{Class: "api", Host: "api.copymanga.site"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTargetPolicyCustomQuery(t *testing.T) {
	module := `package gate.images

permit if startswith(input.path, "/public/")
`
	tp, err := NewTargetPolicy(context.Background(), "gate.rego", module, "data.gate.images.permit")
	require.NoError(t, err)

	ok, err := tp.Allow(context.Background(), TargetInput{Path: "/public/a.webp"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tp.Allow(context.Background(), TargetInput{Path: "/private/a.webp"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTargetPolicyNonBooleanDenies(t *testing.T) {
	module := `package relay

allow := "yes"
`
	tp, err := NewTargetPolicy(context.Background(), "string.rego", module, "")
	require.NoError(t, err)

	ok, err := tp.Allow(context.Background(), TargetInput{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewTargetPolicyErrors(t *testing.T) {
	_, err := NewTargetPolicy(context.Background(), "empty.rego", "   ", "")
	assert.Error(t, err)

	_, err = NewTargetPolicy(context.Background(), "broken.rego", "package relay\nallow if {", "")
	assert.Error(t, err)
}
