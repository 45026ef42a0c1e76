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

// Package onboarding implements the per-conversation state machine that
// drives data collection: it merges AI-extracted patches into collected
// data, detects completion and fires the completion notification exactly
// once per completed conversation.
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/nudge/pkg/definition"
	"github.com/kadirpekel/nudge/pkg/llms"
	"github.com/kadirpekel/nudge/pkg/store"
)

// CompletedReply is returned for any inbound message on a completed
// conversation, without touching the provider.
const CompletedReply = "Tu configuración ya está completa. Si necesitás hacer cambios, usá /reiniciar para empezar de nuevo."

const startSeedMessage = "El usuario quiere comenzar (o reiniciar) la configuración de su negocio. Saludalo y empezá a preguntar."

// Repository is the narrow persistence surface the state machine needs.
// *store.Store satisfies it; tests substitute an in-memory fake.
type Repository interface {
	GetOrCreate(ctx context.Context, channel, externalID string, attrs store.CreateAttrs) (*store.Conversation, error)
	UpdateData(ctx context.Context, id int64, dataJSON string, status ...store.Status) error
	Reset(ctx context.Context, id int64) error
	AppendMessage(ctx context.Context, conversationID int64, role, content string) error
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]store.Message, error)
	DeleteMessages(ctx context.Context, conversationID int64) error
}

// DefinitionSource loads onboarding definitions by id.
type DefinitionSource interface {
	Load(id string) (*definition.Definition, error)
}

// Notifier announces a completed conversation to an external system.
// Implementations must swallow their own failures: a nil response means no
// completion message is available, never an error for the caller.
type Notifier interface {
	NotifyCompleted(ctx context.Context, def *definition.Definition, conv *store.Conversation, data definition.CollectedData) map[string]interface{}
}

// CompletionEvent mirrors the webhook payload for the optional event sink.
type CompletionEvent struct {
	Event        string                 `json:"event"`
	DefinitionID string                 `json:"definitionId"`
	Channel      string                 `json:"channel"`
	ExternalID   string                 `json:"externalId"`
	Token        string                 `json:"token,omitempty"`
	Data         map[string]interface{} `json:"data"`
	CompletedAt  time.Time              `json:"completedAt"`
}

// EventSink receives completion events (e.g., an AMQP publisher).
type EventSink interface {
	PublishCompleted(ctx context.Context, event CompletionEvent) error
}

// Reply is the outcome of one handled turn.
type Reply struct {
	// Text is the primary user-facing reply.
	Text string

	// FollowUp, when non-empty, is sent after Text (completion message).
	FollowUp string
}

// Service is the onboarding orchestration engine.
type Service struct {
	repo          Repository
	definitions   DefinitionSource
	provider      llms.Provider
	notifier      Notifier
	events        EventSink
	logger        *slog.Logger
	definitionID  string
	historyWindow int
	locks         keyedMutex
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithEventSink mirrors completions onto an event sink.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) {
		s.events = sink
	}
}

// WithHistoryWindow overrides the number of turns replayed to the provider.
func WithHistoryWindow(n int) ServiceOption {
	return func(s *Service) {
		s.historyWindow = n
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService wires the state machine with its collaborators.
func NewService(repo Repository, definitions DefinitionSource, provider llms.Provider, notifier Notifier, definitionID string, opts ...ServiceOption) *Service {
	s := &Service{
		repo:          repo,
		definitions:   definitions,
		provider:      provider,
		notifier:      notifier,
		logger:        slog.Default(),
		definitionID:  definitionID,
		historyWindow: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage processes one inbound turn and produces the outbound reply.
//
// Turns for the same (channel, externalID) pair are serialized with a keyed
// mutex so two concurrent inbound messages cannot interleave their
// read-merge-write cycles.
func (s *Service) HandleMessage(ctx context.Context, channel, externalID, text string) (Reply, error) {
	unlock := s.locks.lock(channel + ":" + externalID)
	defer unlock()

	conv, err := s.repo.GetOrCreate(ctx, channel, externalID, store.CreateAttrs{})
	if err != nil {
		return Reply{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	// Completed conversations are inert until an explicit reset: no AI
	// call, no side effects, so the webhook can never fire twice.
	if conv.Status == store.StatusCompleted {
		return Reply{Text: CompletedReply}, nil
	}

	def, err := s.definitions.Load(s.definitionID)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to load definition: %w", err)
	}

	data := s.parseCollectedData(conv)
	systemPrompt := BuildSystemPrompt(def, data, conv.Status)

	history, err := s.repo.RecentMessages(ctx, conv.ID, s.historyWindow)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to load history: %w", err)
	}

	// The user turn is persisted before the provider call so replay order
	// matches arrival order even if the call fails.
	if err := s.repo.AppendMessage(ctx, conv.ID, "user", text); err != nil {
		return Reply{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	raw, err := s.provider.Generate(ctx, systemPrompt, toProviderHistory(history), text)
	if err != nil {
		return Reply{}, fmt.Errorf("provider call failed: %w", err)
	}

	decoded := DecodeAssistantReply(raw)
	if decoded.Fallback {
		s.logger.Warn("unstructured provider reply, using raw text",
			slog.String("channel", channel), slog.Int64("conversation", conv.ID))
	}

	if err := s.repo.AppendMessage(ctx, conv.ID, "assistant", decoded.Message); err != nil {
		return Reply{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	merged, changed := MergePatch(data, decoded.Data)

	switch {
	case decoded.Complete:
		followUp := s.complete(ctx, def, conv, merged)
		return Reply{Text: decoded.Message, FollowUp: followUp}, nil

	case definition.IsComplete(def, merged) && conv.Status == store.StatusActive:
		// All required fields present but not explicitly confirmed:
		// ask for confirmation on the next turn.
		if err := s.persistData(ctx, conv.ID, merged, store.StatusReviewing); err != nil {
			return Reply{}, err
		}

	case changed:
		if err := s.persistData(ctx, conv.ID, merged); err != nil {
			return Reply{}, err
		}
	}

	return Reply{Text: decoded.Message}, nil
}

// StartConversation begins (or restarts, when already completed) a
// conversation and returns the opening assistant turn.
func (s *Service) StartConversation(ctx context.Context, channel, externalID string, attrs store.CreateAttrs) (string, error) {
	unlock := s.locks.lock(channel + ":" + externalID)
	defer unlock()

	conv, err := s.repo.GetOrCreate(ctx, channel, externalID, attrs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}

	if conv.Status == store.StatusCompleted {
		if err := s.clear(ctx, conv.ID); err != nil {
			return "", err
		}
	}

	return s.openingTurn(ctx, conv)
}

// ResetConversation wipes collected data and history unconditionally and
// returns a fresh opening assistant turn.
func (s *Service) ResetConversation(ctx context.Context, channel, externalID string) (string, error) {
	unlock := s.locks.lock(channel + ":" + externalID)
	defer unlock()

	conv, err := s.repo.GetOrCreate(ctx, channel, externalID, store.CreateAttrs{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}

	if err := s.clear(ctx, conv.ID); err != nil {
		return "", err
	}

	return s.openingTurn(ctx, conv)
}

func (s *Service) clear(ctx context.Context, conversationID int64) error {
	if err := s.repo.DeleteMessages(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := s.repo.Reset(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}
	return nil
}

// openingTurn issues the first AI turn with empty history and a synthetic
// seed message; the reply is persisted as the first assistant turn.
func (s *Service) openingTurn(ctx context.Context, conv *store.Conversation) (string, error) {
	def, err := s.definitions.Load(s.definitionID)
	if err != nil {
		return "", fmt.Errorf("failed to load definition: %w", err)
	}

	systemPrompt := BuildSystemPrompt(def, definition.CollectedData{}, store.StatusActive)

	raw, err := s.provider.Generate(ctx, systemPrompt, nil, startSeedMessage)
	if err != nil {
		return "", fmt.Errorf("provider call failed: %w", err)
	}

	decoded := DecodeAssistantReply(raw)
	if err := s.repo.AppendMessage(ctx, conv.ID, "assistant", decoded.Message); err != nil {
		return "", fmt.Errorf("failed to persist assistant message: %w", err)
	}

	return decoded.Message, nil
}

// complete persists the terminal state, notifies the webhook and renders the
// optional follow-up message. Notification failures never reach the user.
func (s *Service) complete(ctx context.Context, def *definition.Definition, conv *store.Conversation, data definition.CollectedData) string {
	if err := s.persistData(ctx, conv.ID, data, store.StatusCompleted); err != nil {
		s.logger.Error("failed to persist completed conversation",
			slog.Int64("conversation", conv.ID), slog.Any("error", err))
		return ""
	}

	s.logger.Info("conversation completed",
		slog.String("channel", conv.Channel),
		slog.String("external_id", conv.ExternalID),
		slog.String("definition", def.ID))

	response := s.notifier.NotifyCompleted(ctx, def, conv, data)

	if s.events != nil {
		event := CompletionEvent{
			Event:        "onboarding.completed",
			DefinitionID: def.ID,
			Channel:      conv.Channel,
			ExternalID:   conv.ExternalID,
			Token:        conv.Token,
			Data:         data,
			CompletedAt:  time.Now().UTC(),
		}
		if err := s.events.PublishCompleted(ctx, event); err != nil {
			s.logger.Warn("failed to publish completion event", slog.Any("error", err))
		}
	}

	message, ok := definition.RenderCompletionMessage(def, response)
	if !ok {
		return ""
	}
	return message
}

func (s *Service) persistData(ctx context.Context, conversationID int64, data definition.CollectedData, status ...store.Status) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal collected data: %w", err)
	}
	if err := s.repo.UpdateData(ctx, conversationID, string(dataJSON), status...); err != nil {
		return fmt.Errorf("failed to persist collected data: %w", err)
	}
	return nil
}

// parseCollectedData decodes the conversation's data blob; a corrupt blob is
// treated as empty rather than failing the turn.
func (s *Service) parseCollectedData(conv *store.Conversation) definition.CollectedData {
	data := definition.CollectedData{}
	if conv.CollectedData == "" {
		return data
	}
	if err := json.Unmarshal([]byte(conv.CollectedData), &data); err != nil {
		s.logger.Warn("corrupt collected data, starting empty",
			slog.Int64("conversation", conv.ID), slog.Any("error", err))
		return definition.CollectedData{}
	}
	return data
}

func toProviderHistory(messages []store.Message) []llms.Message {
	history := make([]llms.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, llms.Message{Role: m.Role, Content: m.Content})
	}
	return history
}
