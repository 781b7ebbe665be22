package observability

import (
	"testing"

	"github.com/smallbiznis/melodia/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("OTEL_ENABLED", "yes")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")

	cfg := LoadConfig(config.Config{AppName: "melodia-api", Environment: "production", OTLPEndpoint: "collector:4317"})

	assert.Equal(t, "melodia-api", cfg.ServiceName)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, 0.5, cfg.OtelSamplingRatio)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.False(t, cfg.Debug())
}

func TestDebugInDevelopment(t *testing.T) {
	assert.True(t, Config{Environment: "development", LogLevel: "info"}.Debug())
	assert.True(t, Config{Environment: "production", LogLevel: "debug"}.Debug())
}
