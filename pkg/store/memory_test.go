package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/timeline"
)

func TestMemoryStore_ListIsScopedToTenant(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.Put("acme", directory.Conversation{ID: "c1", UpdatedAt: base}, nil)
	s.Put("acme", directory.Conversation{ID: "c2", UpdatedAt: base.Add(time.Hour)}, nil)
	s.Put("globex", directory.Conversation{ID: "c3", UpdatedAt: base}, nil)

	list, err := s.List(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c2", list[0].ID)
	require.Equal(t, "c1", list[1].ID)
}

func TestMemoryStore_GetMessagesReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	msg := timeline.NewMessage(timeline.RoleUser, "hello")
	s.Put("acme", directory.Conversation{ID: "c1"}, []*timeline.Message{msg})

	got, err := s.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got[0].Content = "mutated"
	again, err := s.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "hello", again[0].Content)
}

func TestMemoryStore_RenameAndDelete(t *testing.T) {
	s := NewMemoryStore()
	s.Put("acme", directory.Conversation{ID: "c1", Title: "old"}, nil)

	require.NoError(t, s.Rename(context.Background(), "c1", "new"))
	c, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "new", c.Title)

	require.NoError(t, s.Delete(context.Background(), "c1"))
	_, err = s.Get(context.Background(), "c1")
	require.ErrorIs(t, err, ErrConversationNotFound)

	require.ErrorIs(t, s.Rename(context.Background(), "c1", "x"), ErrConversationNotFound)
	require.ErrorIs(t, s.Delete(context.Background(), "c1"), ErrConversationNotFound)
}
