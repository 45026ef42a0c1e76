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

// Package delivery queues outbound messages for rate-sensitive transports.
// Sends are strictly sequential per transport, retried a few times and
// preceded by a short typing simulation so the account behaves like a human
// operator rather than a burst sender.
package delivery

import (
	"context"
	"errors"
)

// Presence is a typing indicator state.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// ErrNotConnected is returned when a send is attempted while the transport
// session is down. Queue jobs fail fast on it instead of burning retries.
var ErrNotConnected = errors.New("transport not connected")

// ErrLoggedOut signals that the session credentials were invalidated
// remotely. Reconnecting is pointless until a human re-pairs the device.
var ErrLoggedOut = errors.New("transport logged out")

// Transport is an outbound messaging session.
type Transport interface {
	// Connected reports whether the session can send right now.
	Connected() bool

	// SendText delivers one text message to the recipient.
	SendText(ctx context.Context, to, text string) error

	// SendPresence publishes a typing indicator. Best effort: failures are
	// ignored by callers.
	SendPresence(ctx context.Context, to string, state Presence) error
}
