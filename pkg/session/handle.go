package session

import (
	"context"
	"sync"
	"time"

	"github.com/askdeck/askdeck/pkg/timeline"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// Terminal reports whether the status is final. Terminal sessions never
// mutate again, late chunks are dropped.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

type Kind string

const (
	KindSend       Kind = "send"
	KindRegenerate Kind = "regenerate"
)

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	RequestID      string
	ConversationID string
	Kind           Kind
	Status         Status
	Content        string
	Citations      []timeline.Citation
	// AssignedConversationID is set on completion when the request was
	// addressed to a conversation that did not exist yet.
	AssignedConversationID string
	Err                    error
	StartedAt              time.Time
}

// Handle tracks one streaming session. It is safe to share across
// goroutines; all accessors return copies.
type Handle struct {
	RequestID      string
	ConversationID string
	Kind           Kind

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    Status
	content   string
	citations []timeline.Citation
	assigned  string
	err       error
	startedAt time.Time
}

func newHandle(requestID string, conversationID string, kind Kind, cancel context.CancelFunc) *Handle {
	return &Handle{
		RequestID:      requestID,
		ConversationID: conversationID,
		Kind:           kind,
		cancel:         cancel,
		done:           make(chan struct{}),
		status:         StatusPending,
		startedAt:      time.Now(),
	}
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handle) snapshotLocked() Snapshot {
	citations := make([]timeline.Citation, len(h.citations))
	copy(citations, h.citations)
	return Snapshot{
		RequestID:              h.RequestID,
		ConversationID:         h.ConversationID,
		Kind:                   h.Kind,
		Status:                 h.status,
		Content:                h.content,
		Citations:              citations,
		AssignedConversationID: h.assigned,
		Err:                    h.err,
		StartedAt:              h.startedAt,
	}
}

// Wait blocks until the session reaches a terminal state and returns the
// final snapshot.
func (h *Handle) Wait() Snapshot {
	<-h.done
	return h.Snapshot()
}

// Done returns a channel closed when the session reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.status.Terminal()
}

// Stop requests cooperative cancellation. It is safe to call multiple
// times and after the session already finished.
func (h *Handle) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// appendContent grows the accumulated answer and returns the completion so
// far. The first token moves the session from pending to streaming. Tokens
// arriving after a terminal state are dropped.
func (h *Handle) appendContent(delta string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return h.content
	}
	if h.status == StatusPending {
		h.status = StatusStreaming
	}
	h.content += delta
	return h.content
}

// addCitation records a citation unless one with the same key is already
// attached. It reports whether the citation was new.
func (h *Handle) addCitation(c timeline.Citation) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	if h.status == StatusPending {
		h.status = StatusStreaming
	}
	for _, existing := range h.citations {
		if existing.Key() == c.Key() {
			return false
		}
	}
	h.citations = append(h.citations, c)
	return true
}

func (h *Handle) finish(status Status, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) finishCompleted(assignedConversationID string, finalContent string) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusCompleted
	h.content = finalContent
	h.assigned = assignedConversationID
	h.mu.Unlock()
	close(h.done)
}
