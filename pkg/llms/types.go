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

// Package llms provides the conversational AI provider abstraction and its
// Anthropic implementation.
package llms

import "context"

// Message is one conversational turn sent to the provider.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Provider is a black-box text-completion service. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Generate produces the assistant reply for the given system prompt,
	// history and new user turn.
	Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (string, error)

	// ModelName identifies the underlying model, for logging.
	ModelName() string
}
