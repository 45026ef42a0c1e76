// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration types for the onboarding service.
// Configuration errors are fatal at startup: a config that fails Validate
// must prevent the process from serving traffic.
package config

import (
	"fmt"
	"os"
)

// Config is the complete service configuration, the single entry point
// loaded from a YAML file with ${VAR} environment expansion.
type Config struct {
	Server     ServerConfig     `yaml:"server,omitempty"`
	Database   DatabaseConfig   `yaml:"database,omitempty"`
	LLM        LLMConfig        `yaml:"llm,omitempty"`
	Onboarding OnboardingConfig `yaml:"onboarding,omitempty"`
	Telegram   TelegramConfig   `yaml:"telegram,omitempty"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp,omitempty"`
	Webhook    WebhookConfig    `yaml:"webhook,omitempty"`
	Events     EventsConfig     `yaml:"events,omitempty"`
}

// ServerConfig configures the HTTP management surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// DatabaseConfig configures the conversation store.
type DatabaseConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path,omitempty"`
}

// LLMConfig configures the AI provider.
type LLMConfig struct {
	// Model name (e.g., "claude-haiku-4-5-20251001").
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout bounds a single provider call, in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// OnboardingConfig configures the collection flow.
type OnboardingConfig struct {
	// DefinitionID selects the onboarding definition to load.
	DefinitionID string `yaml:"definition_id,omitempty"`

	// DefinitionsDir is where definition files live.
	DefinitionsDir string `yaml:"definitions_dir,omitempty"`

	// HistoryWindow is the number of recent turns replayed to the provider.
	HistoryWindow int `yaml:"history_window,omitempty"`
}

// TelegramConfig configures the bot-webhook channel.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token,omitempty"`

	// WebhookBaseURL is the public base URL this service is reachable at.
	WebhookBaseURL string `yaml:"webhook_base_url,omitempty"`
}

// WhatsAppConfig configures the persistent-session channel. The session
// itself lives in a bridge sidecar; this service talks to it over HTTP.
type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// BridgeURL is the base URL of the session bridge.
	BridgeURL string `yaml:"bridge_url,omitempty"`

	// SessionDir stores transport session credentials (bridge-side).
	SessionDir string `yaml:"session_dir,omitempty"`
}

// WebhookConfig configures the completion notification target.
type WebhookConfig struct {
	// TargetURL receives the onboarding.completed POST. Optional.
	TargetURL string `yaml:"target_url,omitempty"`

	// Secret, when set, is sent as X-Webhook-Secret.
	Secret string `yaml:"secret,omitempty"`

	// Timeout bounds the webhook call, in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// EventsConfig configures the optional AMQP event mirror.
type EventsConfig struct {
	// URL is the AMQP broker URL. Empty disables event publishing.
	URL string `yaml:"url,omitempty"`

	// Exchange is the topic exchange completion events are published to.
	Exchange string `yaml:"exchange,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Database.Path == "" {
		c.Database.Path = "nudge.db"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-haiku-4-5-20251001"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60
	}
	if c.Onboarding.DefinitionsDir == "" {
		c.Onboarding.DefinitionsDir = "definitions"
	}
	if c.Onboarding.HistoryWindow == 0 {
		c.Onboarding.HistoryWindow = 20
	}
	if c.Telegram.BotToken == "" {
		c.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.WebhookBaseURL == "" {
		c.Telegram.WebhookBaseURL = os.Getenv("WEBHOOK_URL")
	}
	if c.WhatsApp.SessionDir == "" {
		c.WhatsApp.SessionDir = "wa-auth"
	}
	if c.WhatsApp.BridgeURL == "" {
		c.WhatsApp.BridgeURL = os.Getenv("WHATSAPP_BRIDGE_URL")
	}
	if c.Webhook.TargetURL == "" {
		c.Webhook.TargetURL = os.Getenv("WEBHOOK_TARGET_URL")
	}
	if c.Webhook.Secret == "" {
		c.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 15
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "onboarding.events"
	}
}

// Validate checks that every required credential is present.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm: api_key is required (set ANTHROPIC_API_KEY)")
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram: bot_token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.WebhookBaseURL == "" {
		return fmt.Errorf("telegram: webhook_base_url is required (set WEBHOOK_URL)")
	}
	if c.Onboarding.DefinitionID == "" {
		return fmt.Errorf("onboarding: definition_id is required")
	}
	if c.WhatsApp.Enabled && c.WhatsApp.BridgeURL == "" {
		return fmt.Errorf("whatsapp: bridge_url is required when enabled (set WHATSAPP_BRIDGE_URL)")
	}
	if c.Onboarding.HistoryWindow < 0 {
		return fmt.Errorf("onboarding: history_window must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	return nil
}
