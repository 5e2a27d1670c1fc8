package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/polisai/polis-relay/pkg/domain"
)

func setupForTest(t *testing.T, cfg Config) {
	t.Helper()

	prevMeter := otel.GetMeterProvider()
	prevTracer := otel.GetTracerProvider()
	shutdown, err := SetupProvider(context.Background(), cfg)
	require.NoError(t, err)
	ResetMetricsForTest()

	t.Cleanup(func() {
		assert.NoError(t, shutdown(context.Background()))
		otel.SetMeterProvider(prevMeter)
		otel.SetTracerProvider(prevTracer)
		ResetMetricsForTest()
	})
}

func gatheredNames(t *testing.T, reg *prometheus.Registry) []string {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	return names
}

func hasPrefix(names []string, prefix string) bool {
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func TestSetupProviderExportsToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	setupForTest(t, Config{ServiceName: "polis-relay-test", MetricsRegisterer: reg})

	ctx := context.Background()
	RecordRelayMetrics(ctx, RelayMetrics{
		Class:    domain.ClassAPI,
		Status:   200,
		Bytes:    64,
		Duration: 20 * time.Millisecond,
	})
	RecordDecision(ctx, domain.ClassAPI, domain.Accept(nil))

	names := gatheredNames(t, reg)
	assert.True(t, hasPrefix(names, "relay_upstream_requests"), "got %v", names)
	assert.True(t, hasPrefix(names, "relay_upstream_duration"), "got %v", names)
	assert.True(t, hasPrefix(names, "relay_upstream_response_bytes"), "got %v", names)
	assert.True(t, hasPrefix(names, "relay_decisions"), "got %v", names)
}

func TestSetupProviderWithoutRegisterer(t *testing.T) {
	setupForTest(t, Config{ServiceName: "polis-relay-test"})

	// Recording against a provider with no reader must not fail.
	RecordRelayMetrics(context.Background(), RelayMetrics{Class: domain.ClassImage, Status: 200})
}

func TestSetupProviderInstallsMeterProvider(t *testing.T) {
	setupForTest(t, Config{ServiceName: "polis-relay-test", MetricsRegisterer: prometheus.NewRegistry()})

	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())
}
