package store

// Package store defines the authoritative conversation store consumed by the
// orchestrator. The store is conventional request/response: no streaming, no
// retries. Callers surface errors to the user and leave in-memory state
// untouched, so the UI keeps reflecting the last known-good state.

import (
	"context"

	"github.com/pkg/errors"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/timeline"
)

var ErrConversationNotFound = errors.New("conversation not found")

type ConversationStore interface {
	// List returns the tenant's conversations, most recently updated first.
	List(ctx context.Context, tenantID string) ([]directory.Conversation, error)
	// Get returns the metadata for a single conversation.
	Get(ctx context.Context, conversationID string) (directory.Conversation, error)
	// GetMessages returns the persisted messages of a conversation in
	// creation order.
	GetMessages(ctx context.Context, conversationID string) ([]*timeline.Message, error)
	Rename(ctx context.Context, conversationID string, title string) error
	Delete(ctx context.Context, conversationID string) error
}

// TurnSaver is implemented by stores that keep a local copy of completed
// exchanges, e.g. the sqlite store backing the CLI. Remote stores persist
// server side and do not implement it.
type TurnSaver interface {
	SaveTurn(ctx context.Context, tenantID, conversationID, title string, messages ...*timeline.Message) error
}
