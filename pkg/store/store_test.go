package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreate(ctx, "whatsapp", "5491112345678", CreateAttrs{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, conv.Status)
	assert.Equal(t, "{}", conv.CollectedData)
	assert.Equal(t, "whatsapp", conv.Channel)
}

func TestGetOrCreate_Uniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "telegram", "12345", CreateAttrs{Token: "tok-1"})
	require.NoError(t, err)

	// A second create for the same pair must reuse the existing row,
	// keeping its original attributes.
	second, err := s.GetOrCreate(ctx, "telegram", "12345", CreateAttrs{Token: "tok-2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "tok-1", second.Token)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreate_SameIdentityDifferentChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wa, err := s.GetOrCreate(ctx, "whatsapp", "5491112345678", CreateAttrs{})
	require.NoError(t, err)
	tg, err := s.GetOrCreate(ctx, "telegram", "5491112345678", CreateAttrs{})
	require.NoError(t, err)

	assert.NotEqual(t, wa.ID, tg.ID)
}

func TestFindByExternalID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindByExternalID(context.Background(), "telegram", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDataAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreate(ctx, "telegram", "1", CreateAttrs{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateData(ctx, conv.ID, `{"business_name":"Cortes Ya"}`))

	got, err := s.FindByExternalID(ctx, "telegram", "1")
	require.NoError(t, err)
	assert.Equal(t, `{"business_name":"Cortes Ya"}`, got.CollectedData)
	assert.Equal(t, StatusActive, got.Status)

	require.NoError(t, s.UpdateData(ctx, conv.ID, `{"business_name":"Cortes Ya","services":[]}`, StatusReviewing))

	got, err = s.FindByExternalID(ctx, "telegram", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewing, got.Status)

	require.NoError(t, s.UpdateStatus(ctx, conv.ID, StatusCompleted))

	got, err = s.FindByExternalID(ctx, "telegram", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWrites_MissingConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Writes against an id that matches no row must say so, not report
	// success.
	assert.ErrorIs(t, s.UpdateData(ctx, 999, `{"a":1}`), ErrNotFound)
	assert.ErrorIs(t, s.UpdateData(ctx, 999, `{"a":1}`, StatusReviewing), ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, 999, StatusCompleted), ErrNotFound)
	assert.ErrorIs(t, s.Reset(ctx, 999), ErrNotFound)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreate(ctx, "telegram", "1", CreateAttrs{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateData(ctx, conv.ID, `{"a":1}`, StatusCompleted))
	require.NoError(t, s.AppendMessage(ctx, conv.ID, "user", "hola"))
	require.NoError(t, s.AppendMessage(ctx, conv.ID, "assistant", "buenas"))

	require.NoError(t, s.Reset(ctx, conv.ID))
	require.NoError(t, s.DeleteMessages(ctx, conv.ID))

	got, err := s.FindByExternalID(ctx, "telegram", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "{}", got.CollectedData)

	msgs, err := s.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRecentMessages_WindowAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreate(ctx, "telegram", "1", CreateAttrs{})
	require.NoError(t, err)

	turns := []struct{ role, content string }{
		{"user", "hola"},
		{"assistant", "buenas, como se llama tu negocio?"},
		{"user", "Cortes Ya"},
		{"assistant", "genial, que servicios ofrecen?"},
	}
	for _, turn := range turns {
		require.NoError(t, s.AppendMessage(ctx, conv.ID, turn.role, turn.content))
	}

	all, err := s.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "hola", all[0].Content)
	assert.Equal(t, "genial, que servicios ofrecen?", all[3].Content)

	// Window keeps the most recent turns, still in chronological order
	last2, err := s.RecentMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "Cortes Ya", last2[0].Content)
	assert.Equal(t, "genial, que servicios ofrecen?", last2[1].Content)
}
