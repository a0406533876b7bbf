package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/growth-orchestrator/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false, Endpoint: "ignored:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestAttributes(t *testing.T) {
	t.Setenv("METRIC_SERVICE_ENV", "staging")
	t.Setenv("APP_VERSION", "")
	t.Setenv("GIT_SHA", "abc123")
	t.Setenv("HOSTNAME", "")

	got := map[string]string{}
	for _, kv := range attributes("growth-orchestrator") {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, map[string]string{
		"service.name":           "growth-orchestrator",
		"deployment.environment": "staging",
		"service.version":        "abc123",
	}, got)
}
