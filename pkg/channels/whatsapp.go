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
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kadirpekel/nudge/pkg/delivery"
)

const (
	userSuffix       = "@s.whatsapp.net"
	groupSuffix      = "@g.us"
	broadcastJID     = "status@broadcast"
	whatsappErrReply = "Uy, tuve un problema para procesar tu mensaje. Probá de nuevo en un ratito."
)

// WhatsAppEvent is one inbound session event, already decoded by the
// transport layer.
type WhatsAppEvent struct {
	// From is the sender JID.
	From string `json:"from"`

	// PushName is the sender's display name.
	PushName string `json:"pushName,omitempty"`

	// Text is the message body. Empty for non-text events.
	Text string `json:"text"`

	// FromMe marks echoes of this account's own sends.
	FromMe bool `json:"fromMe,omitempty"`
}

// PairingStatus is the session pairing lifecycle.
type PairingStatus string

const (
	PairingDisconnected PairingStatus = "disconnected"
	PairingWaitingQR    PairingStatus = "waiting_qr"
	PairingConnected    PairingStatus = "connected"
)

// PairingState tracks the session's pairing progress for the management API.
type PairingState struct {
	mu     sync.RWMutex
	status PairingStatus
	qr     string
}

// NewPairingState starts disconnected.
func NewPairingState() *PairingState {
	return &PairingState{status: PairingDisconnected}
}

// SetQR records a pending pairing code.
func (p *PairingState) SetQR(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = PairingWaitingQR
	p.qr = code
}

// SetConnected marks the session paired; the QR code is discarded.
func (p *PairingState) SetConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = PairingConnected
	p.qr = ""
}

// SetDisconnected marks the session down.
func (p *PairingState) SetDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = PairingDisconnected
	p.qr = ""
}

// Snapshot returns the current status and QR code.
func (p *PairingState) Snapshot() (PairingStatus, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, p.qr
}

// WhatsApp bridges session events to the conversation engine. Replies go
// through the delivery queue, never straight to the transport.
type WhatsApp struct {
	conversations Conversations
	queue         *delivery.Queue
	pairing       *PairingState
	logger        *slog.Logger
}

// NewWhatsApp builds the WhatsApp channel.
func NewWhatsApp(conversations Conversations, queue *delivery.Queue, pairing *PairingState, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		conversations: conversations,
		queue:         queue,
		pairing:       pairing,
		logger:        logger,
	}
}

// Pairing exposes the pairing state for the management API.
func (w *WhatsApp) Pairing() *PairingState {
	return w.pairing
}

// ShouldIgnore filters events that must never reach the engine: group
// chats, status broadcasts, own echoes and non-text events.
func ShouldIgnore(event WhatsAppEvent) bool {
	if event.FromMe || event.Text == "" {
		return true
	}
	if strings.HasSuffix(event.From, groupSuffix) {
		return true
	}
	if event.From == broadcastJID {
		return true
	}
	return false
}

// HandleEvent turns one session event into a conversation turn.
func (w *WhatsApp) HandleEvent(ctx context.Context, event WhatsAppEvent) {
	if ShouldIgnore(event) {
		return
	}

	externalID := strings.TrimSuffix(event.From, userSuffix)

	reply, err := w.conversations.HandleMessage(ctx, ChannelWhatsApp, externalID, event.Text)
	if err != nil {
		w.logger.Error("whatsapp turn failed",
			slog.String("from", externalID), slog.Any("error", err))
		w.send(ctx, externalID, whatsappErrReply)
		return
	}

	w.send(ctx, externalID, reply.Text)
	if reply.FollowUp != "" {
		w.send(ctx, externalID, reply.FollowUp)
	}
}

func (w *WhatsApp) send(ctx context.Context, to, text string) {
	if err := w.queue.Send(ctx, to, text); err != nil {
		w.logger.Error("failed to deliver whatsapp reply",
			slog.String("to", to), slog.Any("error", err))
	}
}
