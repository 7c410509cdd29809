package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.QuietPeriod)
	assert.Equal(t, 20, cfg.MaxHistoryPairs)
	assert.Equal(t, 0, cfg.DailyMessageLimit)
	assert.Equal(t, 30*time.Minute, cfg.HandoffTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "gpt-4o", cfg.OpenAIModel)
	assert.True(t, cfg.ValidateTwilio)
	assert.Empty(t, cfg.OperatorNumbers)
	assert.Equal(t, DefaultGreetingReply, cfg.GreetingReply)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESSAGE_BUFFER_SECONDS", "5s")
	t.Setenv("DAILY_MESSAGE_LIMIT", "40")
	t.Setenv("HANDOFF_TIMEOUT", "10m")
	t.Setenv("OPERATOR_NUMBERS", "whatsapp:+15550001111, whatsapp:+15550002222 ,")
	t.Setenv("VALIDATE_TWILIO", "false")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.QuietPeriod)
	assert.Equal(t, 40, cfg.DailyMessageLimit)
	assert.Equal(t, 10*time.Minute, cfg.HandoffTimeout)
	assert.Equal(t, []string{"whatsapp:+15550001111", "whatsapp:+15550002222"}, cfg.OperatorNumbers)
	assert.False(t, cfg.ValidateTwilio)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("MESSAGE_BUFFER_SECONDS", "45")

	cfg := Load()
	assert.Equal(t, 45*time.Second, cfg.QuietPeriod)
}
