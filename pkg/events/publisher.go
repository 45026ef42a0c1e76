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

// Package events mirrors completion events onto an AMQP topic exchange so
// downstream systems can consume completions without polling the webhook
// target. Publishing is optional and best effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/kadirpekel/nudge/pkg/config"
	"github.com/kadirpekel/nudge/pkg/onboarding"
)

const routingKeyCompleted = "onboarding.completed"

// Publisher sends completion events to a topic exchange.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewPublisher connects to the broker and declares the exchange. An empty
// URL is a configuration error here; the caller decides whether events are
// enabled at all.
func NewPublisher(cfg config.EventsConfig, logger *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("events: broker url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: failed to declare exchange %q: %w", cfg.Exchange, err)
	}

	return &Publisher{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// PublishCompleted sends one completion event.
func (p *Publisher) PublishCompleted(ctx context.Context, event onboarding.CompletionEvent) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: failed to open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, routingKeyCompleted, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("events: publish failed: %w", err)
	}

	p.logger.Info("completion event published",
		slog.String("exchange", p.exchange),
		slog.String("key", routingKeyCompleted),
		slog.String("channel", event.Channel))
	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
