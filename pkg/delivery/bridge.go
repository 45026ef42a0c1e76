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

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/nudge/pkg/httpclient"
)

// BridgeTransport sends through a WhatsApp session bridge sidecar over HTTP.
// The bridge owns the actual device session; this process only queues sends
// and mirrors pairing state.
type BridgeTransport struct {
	baseURL string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewBridgeTransport builds a transport for the given bridge base URL.
func NewBridgeTransport(baseURL string, logger *slog.Logger) *BridgeTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(0),
			httpclient.WithLogger(logger),
		),
		logger: logger,
	}
}

type bridgeStatus struct {
	Connected bool `json:"connected"`
	LoggedOut bool `json:"loggedOut"`
}

func (b *BridgeTransport) status(ctx context.Context) (bridgeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/status", nil)
	if err != nil {
		return bridgeStatus{}, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return bridgeStatus{}, err
	}
	defer resp.Body.Close()

	var status bridgeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return bridgeStatus{}, err
	}
	return status, nil
}

// Connected asks the bridge whether its session can send.
func (b *BridgeTransport) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := b.status(ctx)
	return err == nil && status.Connected
}

// Connect blocks until the bridge session is up. Implements Session.
func (b *BridgeTransport) Connect(ctx context.Context) error {
	return b.pollUntil(ctx, true)
}

// Wait blocks while the bridge session stays up and returns once it drops.
// Implements Session.
func (b *BridgeTransport) Wait(ctx context.Context) error {
	if err := b.pollUntil(ctx, false); err != nil {
		return err
	}
	return fmt.Errorf("bridge session disconnected")
}

// pollUntil polls bridge status until Connected matches want. A logged-out
// session short-circuits with ErrLoggedOut.
func (b *BridgeTransport) pollUntil(ctx context.Context, want bool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		status, err := b.status(ctx)
		if err == nil {
			if status.LoggedOut {
				return ErrLoggedOut
			}
			if status.Connected == want {
				return nil
			}
		} else {
			b.logger.Debug("bridge status check failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendText delivers one message through the bridge.
func (b *BridgeTransport) SendText(ctx context.Context, to, text string) error {
	return b.post(ctx, "/send", map[string]string{"to": to, "text": text})
}

// SendPresence publishes a typing indicator through the bridge.
func (b *BridgeTransport) SendPresence(ctx context.Context, to string, state Presence) error {
	return b.post(ctx, "/presence", map[string]string{"to": to, "state": string(state)})
}

func (b *BridgeTransport) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bridge: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridge: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		// The bridge answers 409 while its session is down.
		if resp.StatusCode == http.StatusConflict {
			return ErrNotConnected
		}
	}
	if err != nil {
		return fmt.Errorf("bridge: %s failed: %w", path, err)
	}
	return nil
}
