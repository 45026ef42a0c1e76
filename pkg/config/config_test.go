package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.LLM.APIKey = "sk-ant-test"
	cfg.Telegram.BotToken = "123:abc"
	cfg.Telegram.WebhookBaseURL = "https://nudge.example.com"
	cfg.Onboarding.DefinitionID = "yaturno"
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "nudge.db", cfg.Database.Path)
	assert.Equal(t, 1024, cfg.LLM.MaxTokens)
	assert.Equal(t, 20, cfg.Onboarding.HistoryWindow)
	assert.Equal(t, 15, cfg.Webhook.Timeout)
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("missing_api_key", func(t *testing.T) {
		cfg := validConfig()
		cfg.LLM.APIKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing_bot_token", func(t *testing.T) {
		cfg := validConfig()
		cfg.Telegram.BotToken = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing_webhook_base_url", func(t *testing.T) {
		cfg := validConfig()
		cfg.Telegram.WebhookBaseURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing_definition_id", func(t *testing.T) {
		cfg := validConfig()
		cfg.Onboarding.DefinitionID = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("NUDGE_TEST_TOKEN", "secret-token")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "${NUDGE_TEST_TOKEN}", "secret-token"},
		{"simple", "$NUDGE_TEST_TOKEN", "secret-token"},
		{"with_default_set", "${NUDGE_TEST_TOKEN:-fallback}", "secret-token"},
		{"with_default_unset", "${NUDGE_TEST_UNSET:-fallback}", "fallback"},
		{"unset_braced", "${NUDGE_TEST_UNSET}", ""},
		{"no_vars", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.input))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("NUDGE_TEST_API_KEY", "sk-ant-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  api_key: ${NUDGE_TEST_API_KEY}
telegram:
  bot_token: "123:abc"
  webhook_base_url: https://nudge.example.com
onboarding:
  definition_id: yaturno
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "yaturno", cfg.Onboarding.DefinitionID)
	// Defaults still applied
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoad_MissingRequired(t *testing.T) {
	// No file, no env: required credentials absent
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("WEBHOOK_URL", "")

	_, err := Load("")
	require.Error(t, err)
}
