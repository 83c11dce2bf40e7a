package reconcile

// Package reconcile merges optimistic local messages, streamed partial
// content and authoritative final content into per-conversation timelines.
// The reconciler is the only writer of streaming-related timeline changes.
// It consumes the session controller's event stream as an events.EventSink,
// so optimistic inserts happen on the start event, strictly before any
// transport activity.

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/askdeck/askdeck/pkg/events"
	"github.com/askdeck/askdeck/pkg/session"
	"github.com/askdeck/askdeck/pkg/timeline"
)

// DraftConversationID keys the timeline of a turn sent with no conversation
// selected. It is rebound to the backend-assigned id on completion.
const DraftConversationID = ""

// Notifier receives UI-relevant side effects. TimelineUpdated's focus flag
// is false when the update targets a conversation that is no longer active,
// so a completed background stream never steals scroll or focus.
type Notifier interface {
	TimelineUpdated(conversationID string, focus bool)
	TurnCompleted(conversationID string)
	TurnFailed(conversationID string, errorMessage string)
}

type NullNotifier struct{}

var _ Notifier = (*NullNotifier)(nil)

func (NullNotifier) TimelineUpdated(string, bool) {}
func (NullNotifier) TurnCompleted(string)         {}
func (NullNotifier) TurnFailed(string, string)    {}

// turn tracks the optimistic messages a session inserted, keyed by the
// session's request id.
type turn struct {
	conversationID string
	kind           session.Kind
	userID         uuid.UUID
	hasUser        bool
	assistantID    uuid.UUID
	terminal       bool

	// prior assistant state of a regenerate turn, restored when the rerun
	// yields nothing so the answer is not lost
	prior *timeline.Message
}

type Reconciler struct {
	mu        sync.Mutex
	timelines map[string]*timeline.Timeline
	turns     map[string]*turn
	active    string
	notifier  Notifier
}

var _ events.EventSink = (*Reconciler)(nil)

type Option func(*Reconciler)

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) {
		r.notifier = n
	}
}

func NewReconciler(options ...Option) *Reconciler {
	ret := &Reconciler{
		timelines: map[string]*timeline.Timeline{},
		turns:     map[string]*turn{},
		notifier:  NullNotifier{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SetActive records which conversation the presentation layer is showing.
// It only affects the focus flag passed to the notifier, never which
// timeline an update is applied to.
func (r *Reconciler) SetActive(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = conversationID
}

// Load replaces the in-memory timeline of a conversation with messages
// fetched from the store, unless a turn is currently streaming into it.
func (r *Reconciler) Load(conversationID string, messages []*timeline.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.turns {
		if t.conversationID == conversationID && !t.terminal {
			log.Debug().Str("conversation_id", conversationID).Msg("skipping load, turn in flight")
			return
		}
	}
	r.timelines[conversationID] = timeline.NewTimeline(messages...)
}

// Loaded reports whether a timeline is already held in memory.
func (r *Reconciler) Loaded(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timelines[conversationID]
	return ok
}

// Drop forgets a conversation's timeline, e.g. after the conversation was
// deleted.
func (r *Reconciler) Drop(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timelines, conversationID)
}

// Messages returns a copy of a conversation's timeline.
func (r *Reconciler) Messages(conversationID string) []*timeline.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[conversationID]
	if !ok {
		return nil
	}
	return tl.Messages()
}

func (r *Reconciler) timelineLocked(conversationID string) *timeline.Timeline {
	tl, ok := r.timelines[conversationID]
	if !ok {
		tl = timeline.NewTimeline()
		r.timelines[conversationID] = tl
	}
	return tl
}

// PublishEvent applies one session event to the owning timeline. Events
// whose request id is unknown (late chunks of an already finalized turn)
// are dropped.
func (r *Reconciler) PublishEvent(e events.Event) error {
	switch e.Type() {
	case events.EventTypeStart:
		start, ok := events.ToTypedEvent[events.EventStart](e)
		if !ok {
			return errors.New("malformed start event")
		}
		r.beginTurn(e.Metadata(), start)

	case events.EventTypePartial:
		partial, ok := events.ToTypedEvent[events.EventPartial](e)
		if !ok {
			return errors.New("malformed partial event")
		}
		r.applyPartial(e.Metadata().RequestID, partial.Completion, nil)

	case events.EventTypeCitation:
		citation, ok := events.ToTypedEvent[events.EventCitation](e)
		if !ok {
			return errors.New("malformed citation event")
		}
		r.applyPartial(e.Metadata().RequestID, "", []timeline.Citation{citation.Citation})

	case events.EventTypeFinal:
		final, ok := events.ToTypedEvent[events.EventFinal](e)
		if !ok {
			return errors.New("malformed final event")
		}
		r.applyFinal(e.Metadata().RequestID, final.Text, final.ConversationID, final.Citations)

	case events.EventTypeInterrupt:
		interrupt, ok := events.ToTypedEvent[events.EventInterrupt](e)
		if !ok {
			return errors.New("malformed interrupt event")
		}
		r.applyInterrupt(e.Metadata().RequestID, interrupt.Text, interrupt.Citations)

	case events.EventTypeError:
		errEvent, ok := events.ToTypedEvent[events.EventError](e)
		if !ok {
			return errors.New("malformed error event")
		}
		r.applyError(e.Metadata().RequestID, errEvent.ErrorString, errEvent.TokensArrived)
	}

	return nil
}

// beginTurn inserts the optimistic user message and assistant placeholder
// for a send, or re-arms the last assistant message for a regenerate.
func (r *Reconciler) beginTurn(metadata events.EventMetadata, start *events.EventStart) {
	r.mu.Lock()
	conversationID := metadata.ConversationID
	tl := r.timelineLocked(conversationID)

	t := &turn{
		conversationID: conversationID,
		kind:           session.Kind(start.Kind),
	}

	if t.kind == session.KindRegenerate {
		if last, ok := tl.LastWithRole(timeline.RoleAssistant); ok {
			t.assistantID = last.ID
			t.prior = last.Clone()
			tl.Replace(last.ID, func(m *timeline.Message) {
				m.Content = ""
				m.Citations = nil
				m.Provenance = timeline.ProvenanceOptimistic
			})
		} else {
			placeholder := newPlaceholder(conversationID)
			t.assistantID = placeholder.ID
			tl.Append(placeholder)
		}
	} else {
		user := timeline.NewMessage(timeline.RoleUser, start.Question,
			timeline.WithConversationID(conversationID),
			timeline.WithProvenance(timeline.ProvenanceOptimistic),
		)
		placeholder := newPlaceholder(conversationID)
		t.userID = user.ID
		t.hasUser = true
		t.assistantID = placeholder.ID
		tl.Append(user, placeholder)
	}

	r.turns[metadata.RequestID] = t
	focus := r.active == conversationID
	r.mu.Unlock()

	log.Debug().
		Str("request_id", metadata.RequestID).
		Str("conversation_id", conversationID).
		Str("kind", start.Kind).
		Msg("optimistic turn inserted")
	r.notifier.TimelineUpdated(conversationID, focus)
}

func newPlaceholder(conversationID string) *timeline.Message {
	return timeline.NewMessage(timeline.RoleAssistant, "",
		timeline.WithConversationID(conversationID),
		timeline.WithProvenance(timeline.ProvenanceOptimistic),
	)
}

// applyPartial updates the placeholder in place. Intermediate snapshots may
// be skipped by throttling upstream, so the update overwrites rather than
// appends.
func (r *Reconciler) applyPartial(requestID string, completion string, citations []timeline.Citation) {
	r.mu.Lock()
	t, ok := r.turns[requestID]
	if !ok || t.terminal {
		r.mu.Unlock()
		return
	}
	tl := r.timelineLocked(t.conversationID)
	tl.Replace(t.assistantID, func(m *timeline.Message) {
		if completion != "" {
			m.Content = completion
		}
		if len(citations) > 0 {
			m.Citations = timeline.MergeCitations(m.Citations, citations...)
		}
	})
	conversationID := t.conversationID
	focus := r.active == conversationID
	r.mu.Unlock()

	r.notifier.TimelineUpdated(conversationID, focus)
}

// applyFinal replaces the placeholder with the authoritative content and
// confirms the turn's messages. A draft turn is rebound to the conversation
// id the backend assigned.
func (r *Reconciler) applyFinal(requestID string, text string, assignedConversationID string, citations []timeline.Citation) {
	r.mu.Lock()
	t, ok := r.turns[requestID]
	if !ok || t.terminal {
		r.mu.Unlock()
		return
	}
	t.terminal = true

	tl := r.timelineLocked(t.conversationID)
	finalConversationID := t.conversationID
	if assignedConversationID != "" {
		finalConversationID = assignedConversationID
	}

	if t.hasUser {
		tl.Replace(t.userID, func(m *timeline.Message) {
			m.ConversationID = finalConversationID
			m.Provenance = timeline.ProvenanceConfirmed
		})
	}
	tl.Replace(t.assistantID, func(m *timeline.Message) {
		m.ConversationID = finalConversationID
		m.Content = text
		m.Citations = timeline.MergeCitations(m.Citations, citations...)
		m.Provenance = timeline.ProvenanceConfirmed
	})

	if finalConversationID != t.conversationID {
		// the turn streamed into the draft timeline, move it under the
		// assigned id
		delete(r.timelines, t.conversationID)
		r.timelines[finalConversationID] = tl
		log.Debug().
			Str("request_id", requestID).
			Str("conversation_id", finalConversationID).
			Msg("draft conversation bound to assigned id")
	}

	focus := r.active == t.conversationID || r.active == finalConversationID
	delete(r.turns, requestID)
	r.mu.Unlock()

	r.notifier.TimelineUpdated(finalConversationID, focus)
	r.notifier.TurnCompleted(finalConversationID)
}

// applyInterrupt keeps whatever partial content accumulated. A stopped
// generation yields a visibly truncated answer, it never vanishes.
func (r *Reconciler) applyInterrupt(requestID string, text string, citations []timeline.Citation) {
	r.mu.Lock()
	t, ok := r.turns[requestID]
	if !ok || t.terminal {
		r.mu.Unlock()
		return
	}
	t.terminal = true

	tl := r.timelineLocked(t.conversationID)
	if text == "" && t.prior != nil {
		// regenerate stopped before the first token, put the previous
		// answer back
		r.restorePrior(tl, t)
	} else {
		tl.Replace(t.assistantID, func(m *timeline.Message) {
			m.Content = text
			m.Citations = timeline.MergeCitations(m.Citations, citations...)
		})
	}
	conversationID := t.conversationID
	focus := r.active == conversationID
	delete(r.turns, requestID)
	r.mu.Unlock()

	r.notifier.TimelineUpdated(conversationID, focus)
}

func (r *Reconciler) restorePrior(tl *timeline.Timeline, t *turn) {
	tl.Replace(t.assistantID, func(m *timeline.Message) {
		m.Content = t.prior.Content
		m.Citations = t.prior.Citations
		m.Provenance = t.prior.Provenance
	})
}

// applyError rolls the optimistic turn back when nothing arrived, so the
// timeline looks as if the send never happened. When tokens already
// arrived the partial answer stays, mirroring a stop.
func (r *Reconciler) applyError(requestID string, errorMessage string, tokensArrived bool) {
	r.mu.Lock()
	t, ok := r.turns[requestID]
	if !ok || t.terminal {
		r.mu.Unlock()
		return
	}
	t.terminal = true

	tl := r.timelineLocked(t.conversationID)
	if !tokensArrived {
		if t.prior != nil {
			// a failed regenerate must not lose the answer it was
			// meant to replace
			r.restorePrior(tl, t)
		} else {
			tl.RemoveByID(t.assistantID)
			if t.hasUser {
				tl.RemoveByID(t.userID)
			}
		}
		log.Debug().
			Str("request_id", requestID).
			Str("conversation_id", t.conversationID).
			Msg("rolled back optimistic turn after empty failure")
	}
	conversationID := t.conversationID
	focus := r.active == conversationID
	delete(r.turns, requestID)
	r.mu.Unlock()

	r.notifier.TimelineUpdated(conversationID, focus)
	r.notifier.TurnFailed(conversationID, errorMessage)
}
