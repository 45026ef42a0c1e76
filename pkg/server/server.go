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

// Package server exposes the HTTP management surface: the Telegram webhook
// endpoint, WhatsApp pairing and send endpoints, conversation inspection
// and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/nudge/pkg/channels"
	"github.com/kadirpekel/nudge/pkg/config"
	"github.com/kadirpekel/nudge/pkg/store"
)

// ConversationStore is the persistence surface the API needs.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, channel, externalID string, attrs store.CreateAttrs) (*store.Conversation, error)
	FindByExternalID(ctx context.Context, channel, externalID string) (*store.Conversation, error)
	List(ctx context.Context) ([]*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, role, content string) error
}

// TelegramChannel is the Telegram surface the webhook endpoints drive.
type TelegramChannel interface {
	HandleUpdate(ctx context.Context, update channels.Update) error
	SendMessage(ctx context.Context, chatID, text string) error
	SetupWebhook(ctx context.Context) error
}

// Sender delivers an outbound WhatsApp message, blocking until the
// delivery ran so failures reach the caller.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// WhatsAppChannel consumes inbound session events posted by the bridge.
type WhatsAppChannel interface {
	HandleEvent(ctx context.Context, event channels.WhatsAppEvent)
}

// DefinitionCache is the reload surface.
type DefinitionCache interface {
	Clear()
}

// Server is the HTTP management surface.
type Server struct {
	cfg         config.ServerConfig
	store       ConversationStore
	telegram    TelegramChannel
	whatsapp    Sender
	waChannel   WhatsAppChannel
	pairing     *channels.PairingState
	definitions DefinitionCache
	logger      *slog.Logger
	router      chi.Router
	httpServer  *http.Server
}

// New assembles the server. The whatsapp arguments may be nil when the
// WhatsApp channel is disabled.
func New(cfg config.ServerConfig, st ConversationStore, telegram TelegramChannel, whatsapp Sender, waChannel WhatsAppChannel, pairing *channels.PairingState, definitions DefinitionCache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		store:       st,
		telegram:    telegram,
		whatsapp:    whatsapp,
		waChannel:   waChannel,
		pairing:     pairing,
		definitions: definitions,
		logger:      logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/", s.handleHealth)
	r.Post("/telegram/webhook", s.handleTelegramWebhook)
	r.Get("/telegram/setup", s.handleTelegramSetup)

	r.Route("/api", func(r chi.Router) {
		r.Get("/whatsapp/qr", s.handleWhatsAppQR)
		r.Post("/whatsapp/send", s.handleWhatsAppSend)
		r.Post("/whatsapp/inbound", s.handleWhatsAppInbound)
		r.Post("/whatsapp/pairing", s.handleWhatsAppPairing)
		r.Post("/nudge", s.handleNudge)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{externalID}", s.handleGetConversation)
		r.Post("/definitions/reload", s.handleDefinitionsReload)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Handler returns the assembled router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	var update channels.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	inboundMessagesTotal.WithLabelValues(channels.ChannelTelegram).Inc()

	// Telegram retries non-200 responses, so handler errors are logged and
	// acknowledged rather than surfaced.
	if err := s.telegram.HandleUpdate(r.Context(), update); err != nil {
		s.logger.Error("telegram update failed", slog.Any("error", err))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTelegramSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.telegram.SetupWebhook(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "webhook registered"})
}

func (s *Server) handleWhatsAppQR(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeError(w, http.StatusNotFound, "whatsapp channel disabled")
		return
	}
	status, qr := s.pairing.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(status),
		"qr":     qr,
	})
}

func (s *Server) handleWhatsAppSend(w http.ResponseWriter, r *http.Request) {
	if s.whatsapp == nil {
		writeError(w, http.StatusNotFound, "whatsapp channel disabled")
		return
	}

	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phone and message are required")
		return
	}

	if err := s.whatsapp.Send(r.Context(), req.Phone, req.Message); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleWhatsAppInbound receives session events from the bridge. The turn
// runs asynchronously: the bridge only needs the event acknowledged, and the
// reply goes out through the delivery queue anyway.
func (s *Server) handleWhatsAppInbound(w http.ResponseWriter, r *http.Request) {
	if s.waChannel == nil {
		writeError(w, http.StatusNotFound, "whatsapp channel disabled")
		return
	}

	var event channels.WhatsAppEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	inboundMessagesTotal.WithLabelValues(channels.ChannelWhatsApp).Inc()

	go s.waChannel.HandleEvent(context.Background(), event)
	w.WriteHeader(http.StatusAccepted)
}

// handleWhatsAppPairing mirrors the bridge's pairing state transitions.
func (s *Server) handleWhatsAppPairing(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeError(w, http.StatusNotFound, "whatsapp channel disabled")
		return
	}

	var req struct {
		Status string `json:"status"`
		QR     string `json:"qr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pairing payload")
		return
	}

	switch channels.PairingStatus(req.Status) {
	case channels.PairingWaitingQR:
		s.pairing.SetQR(req.QR)
	case channels.PairingConnected:
		s.pairing.SetConnected()
	case channels.PairingDisconnected:
		s.pairing.SetDisconnected()
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown pairing status %q", req.Status))
		return
	}

	s.logger.Info("whatsapp pairing state updated", slog.String("status", req.Status))
	w.WriteHeader(http.StatusNoContent)
}

// handleNudge creates (or finds) a conversation and sends a proactive
// opening message through the requested channel. The message is persisted
// as an assistant turn so the engine sees it as conversation context.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel     string `json:"channel"`
		ExternalID  string `json:"externalId"`
		Message     string `json:"message"`
		Token       string `json:"token"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid nudge payload")
		return
	}
	if req.ExternalID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "externalId and message are required")
		return
	}
	if req.Channel == "" {
		req.Channel = channels.ChannelWhatsApp
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	}

	conv, err := s.store.GetOrCreate(r.Context(), req.Channel, req.ExternalID, store.CreateAttrs{
		Token:       req.Token,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch req.Channel {
	case channels.ChannelTelegram:
		err = s.telegram.SendMessage(r.Context(), req.ExternalID, req.Message)
	case channels.ChannelWhatsApp:
		if s.whatsapp == nil {
			writeError(w, http.StatusNotFound, "whatsapp channel disabled")
			return
		}
		err = s.whatsapp.Send(r.Context(), req.ExternalID, req.Message)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel %q", req.Channel))
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if err := s.store.AppendMessage(r.Context(), conv.ID, "assistant", req.Message); err != nil {
		s.logger.Error("failed to persist nudge message", slog.Any("error", err))
	}

	nudgesTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "sent",
		"token":  conv.Token,
	})
}

// conversationView is the API shape of a conversation, with the data blob
// deserialized.
type conversationView struct {
	ID          int64                  `json:"id"`
	Channel     string                 `json:"channel"`
	ExternalID  string                 `json:"externalId"`
	Status      string                 `json:"status"`
	Data        map[string]interface{} `json:"data"`
	Token       string                 `json:"token,omitempty"`
	DisplayName string                 `json:"displayName,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

func toView(conv *store.Conversation) conversationView {
	data := map[string]interface{}{}
	if conv.CollectedData != "" {
		_ = json.Unmarshal([]byte(conv.CollectedData), &data)
	}
	return conversationView{
		ID:          conv.ID,
		Channel:     conv.Channel,
		ExternalID:  conv.ExternalID,
		Status:      string(conv.Status),
		Data:        data,
		Token:       conv.Token,
		DisplayName: conv.DisplayName,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, toView(conv))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = channels.ChannelWhatsApp
	}

	conv, err := s.store.FindByExternalID(r.Context(), channel, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(conv))
}

func (s *Server) handleDefinitionsReload(w http.ResponseWriter, r *http.Request) {
	s.definitions.Clear()
	s.logger.Info("definition cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
