package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Provenance tracks whether a message has been confirmed by the backing
// store or still only exists locally.
type Provenance string

const (
	ProvenanceOptimistic Provenance = "optimistic"
	ProvenanceConfirmed  Provenance = "confirmed"
)

// Citation is a scored reference from an assistant message back to a chunk
// of a source document. Citations are immutable once attached.
type Citation struct {
	DocumentID    string  `json:"document_id"`
	ChunkIndex    int     `json:"chunk_index"`
	Score         float64 `json:"score"`
	Section       string  `json:"section,omitempty"`
	Page          int     `json:"page,omitempty"`
	DocumentTitle string  `json:"document_title,omitempty"`
}

// Key identifies a citation for deduplication purposes.
func (c Citation) Key() string {
	return fmt.Sprintf("%s#%d", c.DocumentID, c.ChunkIndex)
}

func (c Citation) String() string {
	return fmt.Sprintf("Citation{%s#%d score=%.2f}", c.DocumentID, c.ChunkIndex, c.Score)
}

// MergeCitations appends the citations from incoming that are not already
// present in existing, keyed by (document_id, chunk_index). Arrival order is
// preserved, existing entries are never touched.
func MergeCitations(existing []Citation, incoming ...Citation) []Citation {
	seen := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		seen[c.Key()] = struct{}{}
	}
	out := existing
	for _, c := range incoming {
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Message is a single turn (user question or assistant answer) in a
// conversation.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Provenance     Provenance `json:"provenance"`
	Time           time.Time  `json:"time"`
	LastUpdate     time.Time  `json:"last_update"`
	Citations      []Citation `json:"citations,omitempty"`
}

type MessageOption func(*Message)

func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithConversationID(conversationID string) MessageOption {
	return func(m *Message) {
		m.ConversationID = conversationID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
		m.LastUpdate = t
	}
}

func WithProvenance(p Provenance) MessageOption {
	return func(m *Message) {
		m.Provenance = p
	}
}

func WithCitations(citations ...Citation) MessageOption {
	return func(m *Message) {
		m.Citations = MergeCitations(m.Citations, citations...)
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:         uuid.New(),
		Role:       role,
		Content:    content,
		Provenance: ProvenanceConfirmed,
		Time:       now,
		LastUpdate: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

// Clone returns a deep copy of the message. Citations are copied so the
// original slice can keep growing without aliasing.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if len(m.Citations) > 0 {
		out.Citations = append([]Citation(nil), m.Citations...)
	}
	return &out
}
