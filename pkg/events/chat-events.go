package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/askdeck/askdeck/pkg/timeline"
)

type EventType string

const (
	// EventTypeStart is emitted when a generation request has been accepted,
	// before any token arrives.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one text delta plus the accumulated completion.
	EventTypePartial EventType = "partial"
	// EventTypeCitation carries one retrieved-document citation.
	EventTypeCitation EventType = "citation"
	// EventTypeFinal is the terminal event of a successful stream.
	EventTypeFinal EventType = "final"
	// EventTypeInterrupt is the terminal event of a user-cancelled stream.
	// Partial text is retained, not discarded.
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// payload is set when the event was deserialized from JSON, see NewEventFromJson.
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventStart announces a new turn before any transport activity. Question
// and Kind let consumers insert optimistic state ahead of the first token.
type EventStart struct {
	EventImpl
	Question string `json:"question"`
	Kind     string `json:"kind"`
}

func NewStartEvent(metadata EventMetadata, question string, kind string) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStart,
			Metadata_: metadata,
		},
		Question: question,
		Kind:     kind,
	}
}

var _ Event = &EventStart{}

// EventPartial is the event type for incremental text. Completion is the
// whole accumulated answer so far, so consumers can apply it idempotently
// without replaying every delta.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl: EventImpl{
			Type_:     EventTypePartial,
			Metadata_: metadata,
		},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartial{}

type EventCitation struct {
	EventImpl
	Citation timeline.Citation `json:"citation"`
}

func NewCitationEvent(metadata EventMetadata, citation timeline.Citation) *EventCitation {
	return &EventCitation{
		EventImpl: EventImpl{
			Type_:     EventTypeCitation,
			Metadata_: metadata,
		},
		Citation: citation,
	}
}

var _ Event = &EventCitation{}

// EventFinal carries the authoritative answer. ConversationID is the id the
// backend assigned when the request was issued without one.
type EventFinal struct {
	EventImpl
	Text           string              `json:"text"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Citations      []timeline.Citation `json:"citations,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, conversationID string, citations []timeline.Citation) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Text:           text,
		ConversationID: conversationID,
		Citations:      citations,
	}
}

var _ Event = &EventFinal{}

type EventInterrupt struct {
	EventImpl
	Text      string              `json:"text"`
	Citations []timeline.Citation `json:"citations,omitempty"`
}

func NewInterruptEvent(metadata EventMetadata, text string, citations []timeline.Citation) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{
			Type_:     EventTypeInterrupt,
			Metadata_: metadata,
		},
		Text:      text,
		Citations: citations,
	}
}

var _ Event = &EventInterrupt{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	// TokensArrived tells consumers whether any content had been received
	// before the failure, which decides between rollback and truncation.
	TokensArrived bool `json:"tokens_arrived"`
}

func NewErrorEvent(metadata EventMetadata, err error, tokensArrived bool) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString:   err.Error(),
		TokensArrived: tokensArrived,
	}
}

var _ Event = &EventError{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		ret, ok := ToTypedEvent[EventStart](e)
		if !ok {
			return nil, errors.New("could not cast event to EventStart")
		}
		return ret, nil
	case EventTypePartial:
		ret, ok := ToTypedEvent[EventPartial](e)
		if !ok {
			return nil, errors.New("could not cast event to EventPartial")
		}
		return ret, nil
	case EventTypeCitation:
		ret, ok := ToTypedEvent[EventCitation](e)
		if !ok {
			return nil, errors.New("could not cast event to EventCitation")
		}
		return ret, nil
	case EventTypeFinal:
		ret, ok := ToTypedEvent[EventFinal](e)
		if !ok {
			return nil, errors.New("could not cast event to EventFinal")
		}
		return ret, nil
	case EventTypeInterrupt:
		ret, ok := ToTypedEvent[EventInterrupt](e)
		if !ok {
			return nil, errors.New("could not cast event to EventInterrupt")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, errors.New("could not cast event to EventError")
		}
		return ret, nil
	}

	return e, nil
}

// ToTypedEvent narrows an Event to a concrete type. Events constructed in
// process are cast directly; events decoded from the wire fall back to
// their raw payload.
func ToTypedEvent[T any](e Event) (*T, bool) {
	if ret, ok := any(e).(*T); ok {
		return ret, true
	}

	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil || ret == nil {
		return nil, false
	}

	return ret, true
}

func (e EventPartial) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta).Str("completion", e.Completion)
}

func (e EventCitation) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("citation", e.Citation.String())
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text).Str("conversation_id", e.ConversationID).Int("citations", len(e.Citations))
}

func (e EventInterrupt) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString).Bool("tokens_arrived", e.TokensArrived)
}
