package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventMetadata is carried by every streaming event and correlates it back
// to the session and conversation it belongs to.
type EventMetadata struct {
	ID uuid.UUID `json:"event_id"`
	// RequestID identifies the streaming session that produced the event.
	RequestID string `json:"request_id,omitempty"`
	// ConversationID is the conversation the session was issued against.
	// Empty when the send targets a conversation the backend has yet to create.
	ConversationID string `json:"conversation_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.RequestID != "" {
		e.Str("request_id", em.RequestID)
	}
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.TenantID != "" {
		e.Str("tenant_id", em.TenantID)
	}
}
