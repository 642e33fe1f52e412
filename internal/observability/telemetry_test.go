package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTelemetry_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), Config{}, "zoneserver", "Forest")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTelemetry_Enabled(t *testing.T) {
	// экспортер подключается лениво, коллектор для старта не нужен
	cfg := Config{Enabled: true, Endpoint: "127.0.0.1:1", Insecure: true, SampleRatio: 0.5}
	shutdown, err := InitTelemetry(context.Background(), cfg, "zoneserver", "Cave")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestEndpointOrDefault(t *testing.T) {
	assert.Equal(t, "localhost:4318", endpointOrDefault(""))
	assert.Equal(t, "otel:4318", endpointOrDefault("otel:4318"))
}
