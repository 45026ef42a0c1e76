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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 3 * time.Second
	defaultQueueSize    = 256
	minTypingSimulation = 1 * time.Second
	maxTypingSimulation = 3 * time.Second
)

// ErrQueueClosed is returned for sends attempted after Stop.
var ErrQueueClosed = errors.New("delivery queue stopped")

type job struct {
	to     string
	text   string
	result chan error
}

// Queue serializes outbound sends for one transport. Exactly one worker
// drains the queue, so messages to the same account never overlap and the
// transport sees a human-like send rate. Senders block until their job ran,
// so a message that exhausted its retries surfaces as an error instead of
// disappearing into a log line.
type Queue struct {
	transport  Transport
	logger     *slog.Logger
	jobs       chan job
	maxRetries int
	retryDelay time.Duration
	typing     bool

	mu        sync.Mutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithRetry overrides the per-message attempt budget and the delay between
// attempts.
func WithRetry(attempts int, delay time.Duration) QueueOption {
	return func(q *Queue) {
		q.maxRetries = attempts
		q.retryDelay = delay
	}
}

// WithTypingSimulation toggles the composing/paused presence dance around
// each send.
func WithTypingSimulation(enabled bool) QueueOption {
	return func(q *Queue) {
		q.typing = enabled
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue builds a queue for the given transport.
func NewQueue(transport Transport, opts ...QueueOption) *Queue {
	q := &Queue{
		transport:  transport,
		logger:     slog.Default(),
		jobs:       make(chan job, defaultQueueSize),
		maxRetries: defaultMaxAttempts,
		retryDelay: defaultRetryDelay,
		typing:     true,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the single worker. Subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

// Stop closes the queue; queued jobs are drained (and their senders
// answered) before the worker exits. Safe to call more than once, and sends
// racing Stop get ErrQueueClosed instead of a panic.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
		<-q.done
	})
}

// Send delivers one outbound message and blocks until the job ran or the
// context is done. The returned error reflects the actual delivery outcome:
// exhausted retries, a stopped queue, or a full buffer.
func (q *Queue) Send(ctx context.Context, to, text string) error {
	j := job{to: NormalizePhone(to), text: text, result: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	select {
	case q.jobs <- j:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		return fmt.Errorf("delivery queue full, rejecting message to %s", to)
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		// The job stays queued and will still run; only the wait is
		// abandoned.
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for j := range q.jobs {
		err := q.deliver(ctx, j)
		if err != nil {
			q.logger.Error("message delivery failed",
				slog.String("to", j.to), slog.Any("error", err))
		}
		j.result <- err
	}
}

// deliver attempts one job with a fixed retry delay. A disconnected
// transport fails the attempt immediately so the retry budget is not spent
// waiting on a dead session.
func (q *Queue) deliver(ctx context.Context, j job) error {
	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retryDelay):
			}
		}

		lastErr = q.attempt(ctx, j)
		if lastErr == nil {
			return nil
		}

		q.logger.Warn("send attempt failed",
			slog.String("to", j.to),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))
	}
	return fmt.Errorf("delivery exhausted after %d attempts: %w", q.maxRetries, lastErr)
}

func (q *Queue) attempt(ctx context.Context, j job) error {
	if !q.transport.Connected() {
		return ErrNotConnected
	}

	if q.typing {
		// Presence failures are cosmetic and never fail the send.
		_ = q.transport.SendPresence(ctx, j.to, PresenceComposing)

		pause := minTypingSimulation + time.Duration(rand.Int63n(int64(maxTypingSimulation-minTypingSimulation)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	err := q.transport.SendText(ctx, j.to, j.text)

	if q.typing {
		_ = q.transport.SendPresence(ctx, j.to, PresencePaused)
	}

	return err
}
