package config_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowmachine/orchestrator/config"
	"github.com/flowmachine/orchestrator/logging"
)

func TestSlogLevelMapsKnownValues(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, config.Config{LogLevel: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, config.Config{LogLevel: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, config.Config{LogLevel: "error"}.SlogLevel())
}

func TestSlogLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, config.Config{LogLevel: "nonsense"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, config.Config{}.SlogLevel())
}

func TestSlogFormatMapsTextAndDefaultsToJSON(t *testing.T) {
	assert.Equal(t, logging.FormatText, config.Config{LogFormat: "text"}.SlogFormat())
	assert.Equal(t, logging.FormatJSON, config.Config{LogFormat: "json"}.SlogFormat())
	assert.Equal(t, logging.FormatJSON, config.Config{LogFormat: "garbage"}.SlogFormat())
}

func TestLoadAppliesEnvDefaults(t *testing.T) {
	t.Setenv("SCHEDULER_POOL_SIZE", "5")
	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 5, cfg.SchedulerPoolSize)
	assert.Equal(t, "info", cfg.LogLevel)
}
