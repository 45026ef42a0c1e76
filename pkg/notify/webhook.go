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

// Package notify delivers the completion webhook. Notification is strictly
// best effort: a failed or misconfigured webhook never blocks the
// conversation from completing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kadirpekel/nudge/pkg/config"
	"github.com/kadirpekel/nudge/pkg/definition"
	"github.com/kadirpekel/nudge/pkg/httpclient"
	"github.com/kadirpekel/nudge/pkg/store"
)

const secretHeader = "X-Webhook-Secret"

// completedPayload is the webhook request body.
type completedPayload struct {
	Event        string                 `json:"event"`
	DefinitionID string                 `json:"definitionId"`
	Channel      string                 `json:"channel"`
	ExternalID   string                 `json:"externalId"`
	Token        string                 `json:"token,omitempty"`
	Data         map[string]interface{} `json:"data"`
	CompletedAt  time.Time              `json:"completedAt"`
}

// WebhookNotifier POSTs completion payloads to a configured target URL.
type WebhookNotifier struct {
	cfg    config.WebhookConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewWebhookNotifier builds a notifier from config. An empty target URL is
// valid: every notification becomes a logged no-op.
func NewWebhookNotifier(cfg config.WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(2),
			httpclient.WithLogger(logger),
		),
		logger: logger,
	}
}

// NotifyCompleted delivers the completion payload and returns the decoded
// response body when the target answered with 2xx JSON. Any failure is
// logged and reported as a nil response, never as an error.
func (n *WebhookNotifier) NotifyCompleted(ctx context.Context, def *definition.Definition, conv *store.Conversation, data definition.CollectedData) map[string]interface{} {
	if n.cfg.TargetURL == "" {
		n.logger.Debug("no webhook target configured, skipping completion notification",
			slog.String("definition", def.ID))
		return nil
	}

	payload := completedPayload{
		Event:        "onboarding.completed",
		DefinitionID: def.ID,
		Channel:      conv.Channel,
		ExternalID:   conv.ExternalID,
		Token:        conv.Token,
		Data:         data,
		CompletedAt:  time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", slog.Any("error", err))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build webhook request", slog.Any("error", err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set(secretHeader, n.cfg.Secret)
	}

	// Definition-level webhook headers override nothing, they extend.
	if def.Webhook != nil {
		for key, value := range def.Webhook.Headers {
			req.Header.Set(key, value)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("completion webhook failed",
			slog.String("url", n.cfg.TargetURL), slog.Any("error", err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("completion webhook rejected",
			slog.String("url", n.cfg.TargetURL), slog.Int("status", resp.StatusCode))
		return nil
	}

	n.logger.Info("completion webhook delivered",
		slog.String("definition", def.ID),
		slog.String("channel", conv.Channel),
		slog.Int("status", resp.StatusCode))

	raw, err := io.ReadAll(resp.Body)
	if err != nil || len(raw) == 0 {
		return nil
	}

	var response map[string]interface{}
	if err := json.Unmarshal(raw, &response); err != nil {
		n.logger.Debug("webhook response is not JSON, ignoring body")
		return nil
	}
	return response
}
