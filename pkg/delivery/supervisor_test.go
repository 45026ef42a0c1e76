package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSession struct {
	mu          sync.Mutex
	connectErrs []error
	waitErrs    []error
	connects    int
	waits       int
}

func (s *scriptedSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) == 0 {
		return nil
	}
	err := s.connectErrs[0]
	s.connectErrs = s.connectErrs[1:]
	return err
}

func (s *scriptedSession) Wait(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits++
	if len(s.waitErrs) == 0 {
		return errors.New("connection dropped")
	}
	err := s.waitErrs[0]
	s.waitErrs = s.waitErrs[1:]
	return err
}

func newTestSupervisor(session Session) *Supervisor {
	s := NewSupervisor(session, nil)
	s.backoff = time.Millisecond
	return s
}

func TestSupervisor_StopsOnLoggedOut(t *testing.T) {
	session := &scriptedSession{
		waitErrs: []error{errors.New("stream error"), ErrLoggedOut},
	}
	s := newTestSupervisor(session)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrLoggedOut)

	// one reconnect after the transient drop, then the terminal logout
	assert.Equal(t, 2, session.connects)
	assert.Equal(t, 2, session.waits)
}

func TestSupervisor_RetriesFailedConnect(t *testing.T) {
	session := &scriptedSession{
		connectErrs: []error{errors.New("dial timeout"), errors.New("dial timeout")},
		waitErrs:    []error{ErrLoggedOut},
	}
	s := newTestSupervisor(session)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, 3, session.connects)
}

func TestSupervisor_StopsOnContextCancel(t *testing.T) {
	session := &scriptedSession{}
	s := newTestSupervisor(session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestSupervisor_LoggedOutDuringConnect(t *testing.T) {
	session := &scriptedSession{connectErrs: []error{ErrLoggedOut}}
	s := newTestSupervisor(session)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, 0, session.waits)
}
