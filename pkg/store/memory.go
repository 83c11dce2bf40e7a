package store

import (
	"context"
	"sort"
	"sync"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/timeline"
)

// MemoryStore is an in-process ConversationStore. It backs tests and the
// orchestrator default when no persistent store is wired in.
type MemoryStore struct {
	mu            sync.Mutex
	tenants       map[string][]string
	conversations map[string]directory.Conversation
	messages      map[string][]*timeline.Message
}

var _ ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       map[string][]string{},
		conversations: map[string]directory.Conversation{},
		messages:      map[string][]*timeline.Message{},
	}
}

// Put inserts or replaces a conversation and its messages. It stands in for
// the server-side persistence performed by the generation backend.
func (s *MemoryStore) Put(tenantID string, c directory.Conversation, messages []*timeline.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; !ok {
		s.tenants[tenantID] = append(s.tenants[tenantID], c.ID)
	}
	s.conversations[c.ID] = c
	cloned := make([]*timeline.Message, 0, len(messages))
	for _, m := range messages {
		cloned = append(cloned, m.Clone())
	}
	s.messages[c.ID] = cloned
}

func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]directory.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]directory.Conversation, 0, len(s.tenants[tenantID]))
	for _, id := range s.tenants[tenantID] {
		if c, ok := s.conversations[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (directory.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return directory.Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, conversationID string) ([]*timeline.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := make([]*timeline.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Rename(ctx context.Context, conversationID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	c.Title = title
	s.conversations[conversationID] = c
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	for tenant, ids := range s.tenants {
		for i, id := range ids {
			if id == conversationID {
				s.tenants[tenant] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	return nil
}
