package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdeck/askdeck/pkg/timeline"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "askdeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedMessage(role timeline.Role, content string, at time.Time, options ...timeline.MessageOption) *timeline.Message {
	options = append([]timeline.MessageOption{
		timeline.WithID(uuid.New()),
		timeline.WithConversationID("c-1"),
		timeline.WithTime(at),
	}, options...)
	return timeline.NewMessage(role, content, options...)
}

func TestSQLiteStoreSaveTurnRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	user := storedMessage(timeline.RoleUser, "What is our leave policy?", base)
	assistant := storedMessage(timeline.RoleAssistant, "Per the handbook...", base.Add(time.Second),
		timeline.WithCitations(timeline.Citation{DocumentID: "doc1", ChunkIndex: 3, Score: 0.91}))

	require.NoError(t, s.SaveTurn(ctx, "acme", "c-1", "What is our leave policy?", user, assistant))

	conversation, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", conversation.ID)
	assert.Equal(t, "What is our leave policy?", conversation.Title)
	assert.Equal(t, 2, conversation.MessageCount)

	messages, err := s.GetMessages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, user.ID, messages[0].ID)
	assert.Equal(t, timeline.RoleUser, messages[0].Role)
	assert.Equal(t, "What is our leave policy?", messages[0].Content)
	assert.Empty(t, messages[0].Citations)
	assert.Equal(t, assistant.ID, messages[1].ID)
	assert.Equal(t, timeline.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Per the handbook...", messages[1].Content)
	require.Len(t, messages[1].Citations, 1)
	assert.Equal(t, "doc1#3", messages[1].Citations[0].Key())
}

func TestSQLiteStoreResaveUpdatesMessageInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	user := storedMessage(timeline.RoleUser, "q", base)
	assistant := storedMessage(timeline.RoleAssistant, "first answer", base.Add(time.Second))
	require.NoError(t, s.SaveTurn(ctx, "acme", "c-1", "q", user, assistant))

	// a regenerated answer reuses the message id, the row is updated, not
	// duplicated, and the original title survives
	assistant.Content = "second answer"
	require.NoError(t, s.SaveTurn(ctx, "acme", "c-1", "ignored", user, assistant))

	conversation, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "q", conversation.Title)
	assert.Equal(t, 2, conversation.MessageCount)

	messages, err := s.GetMessages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "second answer", messages[1].Content)
}

func TestSQLiteStoreListScopedByTenant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := storedMessage(timeline.RoleUser, "q1", time.Now().UTC())
	require.NoError(t, s.SaveTurn(ctx, "acme", "c-1", "first", older))
	time.Sleep(5 * time.Millisecond)
	newer := storedMessage(timeline.RoleUser, "q2", time.Now().UTC())
	require.NoError(t, s.SaveTurn(ctx, "acme", "c-2", "second", newer))
	other := storedMessage(timeline.RoleUser, "q3", time.Now().UTC())
	require.NoError(t, s.SaveTurn(ctx, "globex", "c-3", "elsewhere", other))

	conversations, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c-2", conversations[0].ID)
	assert.Equal(t, "c-1", conversations[1].ID)
}

func TestSQLiteStoreRenameAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := storedMessage(timeline.RoleUser, "q", time.Now().UTC())
	require.NoError(t, s.SaveTurn(ctx, "acme", "c-1", "q", msg))

	require.NoError(t, s.Rename(ctx, "c-1", "renamed"))
	conversation, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", conversation.Title)

	assert.ErrorIs(t, s.Rename(ctx, "missing", "x"), ErrConversationNotFound)

	require.NoError(t, s.Delete(ctx, "c-1"))
	_, err = s.Get(ctx, "c-1")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// delete cascades to the stored messages
	messages, err := s.GetMessages(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	assert.ErrorIs(t, s.Delete(ctx, "c-1"), ErrConversationNotFound)
}
