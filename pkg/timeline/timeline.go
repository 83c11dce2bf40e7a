package timeline

// Package timeline holds the ordered, append-only message log for a single
// conversation. It is a pure data structure: no network calls, no timers.
//
// Ordering is monotonic by insertion and never re-sorted. Replacements keep
// the position of the message they replace, which is what allows streaming
// reconciliation to update an assistant placeholder in place.

import (
	"time"

	"github.com/google/uuid"
)

type Timeline struct {
	messages []*Message
}

func NewTimeline(messages ...*Message) *Timeline {
	return &Timeline{
		messages: append([]*Message(nil), messages...),
	}
}

// Append adds a message at the end. Existing entries are never reordered.
func (t *Timeline) Append(messages ...*Message) {
	t.messages = append(t.messages, messages...)
}

// Replace applies update to the message with the given id, in place. Returns
// false when the id is absent — callers must not assume it succeeds, since a
// stream can complete after the caller has moved on to another conversation.
func (t *Timeline) Replace(id uuid.UUID, update func(*Message)) bool {
	for i, m := range t.messages {
		if m.ID != id {
			continue
		}
		updated := m.Clone()
		update(updated)
		updated.ID = id
		updated.LastUpdate = time.Now()
		t.messages[i] = updated
		return true
	}
	return false
}

// RemoveByID removes the message with the given id, preserving the order of
// the remaining entries. Returns false when the id is absent.
func (t *Timeline) RemoveByID(id uuid.UUID) bool {
	for i, m := range t.messages {
		if m.ID != id {
			continue
		}
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
		return true
	}
	return false
}

// Get returns the message with the given id.
func (t *Timeline) Get(id uuid.UUID) (*Message, bool) {
	for _, m := range t.messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Messages returns a copy of the message list in insertion order.
func (t *Timeline) Messages() []*Message {
	return append([]*Message(nil), t.messages...)
}

func (t *Timeline) Len() int {
	return len(t.messages)
}

func (t *Timeline) Last() (*Message, bool) {
	if len(t.messages) == 0 {
		return nil, false
	}
	return t.messages[len(t.messages)-1], true
}

// LastWithRole returns the most recent message with the given role.
func (t *Timeline) LastWithRole(role Role) (*Message, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == role {
			return t.messages[i], true
		}
	}
	return nil, false
}
