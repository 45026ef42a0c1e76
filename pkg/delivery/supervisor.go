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
	"log/slog"
	"time"
)

// Session is a long-lived transport connection the supervisor keeps alive.
type Session interface {
	// Connect establishes the session.
	Connect(ctx context.Context) error

	// Wait blocks until the session drops and returns the reason.
	// ErrLoggedOut means credentials were revoked remotely.
	Wait(ctx context.Context) error
}

// Supervisor reconnects a Session whenever it drops. Reconnection stops for
// good on ErrLoggedOut, since retrying with revoked credentials would only
// get the account flagged.
type Supervisor struct {
	session Session
	logger  *slog.Logger
	backoff time.Duration
}

// NewSupervisor wraps a session with a reconnect loop.
func NewSupervisor(session Session, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		session: session,
		logger:  logger,
		backoff: 5 * time.Second,
	}
}

// Run supervises the session until the context is cancelled or the session
// is logged out.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.session.Connect(ctx); err != nil {
			if errors.Is(err, ErrLoggedOut) {
				s.logger.Error("session logged out, re-pairing required")
				return ErrLoggedOut
			}
			s.logger.Warn("session connect failed, retrying",
				slog.Duration("backoff", s.backoff), slog.Any("error", err))
			if err := s.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		s.logger.Info("session connected")

		err := s.session.Wait(ctx)
		switch {
		case errors.Is(err, ErrLoggedOut):
			s.logger.Error("session logged out, re-pairing required")
			return ErrLoggedOut
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Warn("session dropped, reconnecting",
				slog.Duration("backoff", s.backoff), slog.Any("error", err))
			if err := s.sleep(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.backoff):
		return nil
	}
}
