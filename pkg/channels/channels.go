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

// Package channels normalizes inbound messages from each messaging surface
// into conversation turns and routes replies back out. Channels never hold
// conversation state; all of it lives behind the Conversations interface.
package channels

import (
	"context"

	"github.com/kadirpekel/nudge/pkg/onboarding"
	"github.com/kadirpekel/nudge/pkg/store"
)

// Channel identifiers as persisted on conversations.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

// Conversations is the engine surface a channel needs.
type Conversations interface {
	HandleMessage(ctx context.Context, channel, externalID, text string) (onboarding.Reply, error)
	StartConversation(ctx context.Context, channel, externalID string, attrs store.CreateAttrs) (string, error)
	ResetConversation(ctx context.Context, channel, externalID string) (string, error)
}
