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

package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/nudge/pkg/config"
	"github.com/kadirpekel/nudge/pkg/httpclient"
	"github.com/kadirpekel/nudge/pkg/onboarding"
	"github.com/kadirpekel/nudge/pkg/store"
)

const defaultTelegramHost = "https://api.telegram.org"

const (
	cmdStart = "/start"
	cmdReset = "/reiniciar"
)

// Update is the subset of the Telegram bot webhook payload the channel
// consumes.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

// IncomingMessage is one inbound Telegram message.
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User is the sender of an inbound message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

// Chat is the Telegram chat a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Telegram bridges the bot webhook to the conversation engine.
type Telegram struct {
	cfg           config.TelegramConfig
	conversations Conversations
	client        *httpclient.Client
	logger        *slog.Logger
	host          string
}

// TelegramOption configures the channel.
type TelegramOption func(*Telegram)

// WithTelegramHost overrides the bot API host, used by tests.
func WithTelegramHost(host string) TelegramOption {
	return func(t *Telegram) {
		t.host = host
	}
}

// WithTelegramLogger sets the channel logger.
func WithTelegramLogger(logger *slog.Logger) TelegramOption {
	return func(t *Telegram) {
		t.logger = logger
	}
}

// NewTelegram builds the Telegram channel.
func NewTelegram(cfg config.TelegramConfig, conversations Conversations, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		cfg:           cfg,
		conversations: conversations,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
		logger: slog.Default(),
		host:   defaultTelegramHost,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleUpdate processes one webhook update. Non-text updates and bot
// senders are ignored without error.
func (t *Telegram) HandleUpdate(ctx context.Context, update Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}
	if msg.From != nil && msg.From.IsBot {
		return nil
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := strings.TrimSpace(msg.Text)

	var reply, followUp string
	var err error

	switch {
	case strings.HasPrefix(text, cmdStart):
		reply, err = t.conversations.StartConversation(ctx, ChannelTelegram, chatID, store.CreateAttrs{
			DisplayName: displayName(msg.From),
		})
	case strings.HasPrefix(text, cmdReset):
		reply, err = t.conversations.ResetConversation(ctx, ChannelTelegram, chatID)
	default:
		var out onboarding.Reply
		out, err = t.conversations.HandleMessage(ctx, ChannelTelegram, chatID, text)
		reply, followUp = out.Text, out.FollowUp
	}

	if err != nil {
		t.logger.Error("telegram turn failed",
			slog.String("chat", chatID), slog.Any("error", err))
		return t.SendMessage(ctx, chatID, "Uy, tuve un problema para procesar tu mensaje. Probá de nuevo en un ratito.")
	}

	if err := t.SendMessage(ctx, chatID, reply); err != nil {
		return err
	}
	if followUp != "" {
		return t.SendMessage(ctx, chatID, followUp)
	}
	return nil
}

// SendMessage delivers one text message through the bot API.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	return t.call(ctx, "sendMessage", payload)
}

// SetupWebhook registers this service's webhook URL with the bot API.
func (t *Telegram) SetupWebhook(ctx context.Context) error {
	url := strings.TrimSuffix(t.cfg.WebhookBaseURL, "/") + "/telegram/webhook"
	if err := t.call(ctx, "setWebhook", map[string]interface{}{"url": url}); err != nil {
		return err
	}
	t.logger.Info("telegram webhook registered", slog.String("url", url))
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: failed to marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.host, t.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: failed to decode %s response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram: %s rejected: %s", method, result.Description)
	}
	return nil
}

func displayName(user *User) string {
	if user == nil {
		return ""
	}
	if user.FirstName != "" {
		return user.FirstName
	}
	return user.Username
}
