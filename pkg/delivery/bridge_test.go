package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeTransport_Connected(t *testing.T) {
	connected := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]bool{"connected": connected})
	}))
	defer server.Close()

	b := NewBridgeTransport(server.URL, nil)
	assert.True(t, b.Connected())

	connected = false
	assert.False(t, b.Connected())
}

func TestBridgeTransport_ConnectedFalseWhenUnreachable(t *testing.T) {
	b := NewBridgeTransport("http://127.0.0.1:1", nil)
	assert.False(t, b.Connected())
}

func TestBridgeTransport_SendText(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := NewBridgeTransport(server.URL, nil)
	require.NoError(t, b.SendText(context.Background(), "5491155550001", "hola"))
	assert.Equal(t, map[string]string{"to": "5491155550001", "text": "hola"}, got)
}

func TestBridgeTransport_SendTextSessionDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	b := NewBridgeTransport(server.URL, nil)
	err := b.SendText(context.Background(), "5491155550001", "hola")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridgeTransport_SendPresence(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/presence", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	b := NewBridgeTransport(server.URL, nil)
	require.NoError(t, b.SendPresence(context.Background(), "5491155550001", PresenceComposing))
	assert.Equal(t, "composing", got["state"])
}
