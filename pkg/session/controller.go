package session

// Package session owns the single in-flight generation request. The
// controller opens the upstream chunk stream, accumulates partial content
// and citations, and publishes typed events for every transition. At most
// one session is pending or streaming per controller; concurrent sends are
// rejected as no-ops that hand back the existing handle.

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/askdeck/askdeck/pkg/events"
	"github.com/askdeck/askdeck/pkg/generation"
)

var (
	ErrNoActiveSession = errors.New("no active streaming session")
	ErrIdleTimeout     = errors.New("generation stream idle timeout")
)

const defaultIdleTimeout = 60 * time.Second

type Controller struct {
	client      generation.Client
	sinks       []events.EventSink
	tenantID    string
	idleTimeout time.Duration

	mu     sync.Mutex
	active *Handle
}

type ControllerOption func(*Controller)

func WithEventSinks(sinks ...events.EventSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func WithTenantID(tenantID string) ControllerOption {
	return func(c *Controller) {
		c.tenantID = tenantID
	}
}

// WithIdleTimeout bounds the silence between two chunks. A stream that stays
// silent longer is treated as a transport error, not an infinite hang.
func WithIdleTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.idleTimeout = d
	}
}

func NewController(client generation.Client, options ...ControllerOption) *Controller {
	ret := &Controller{
		client:      client,
		idleTimeout: defaultIdleTimeout,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Send starts a generation for question against conversationID (empty for
// "create a new conversation"). When a session is already pending or
// streaming the call is a no-op and the existing handle is returned with
// started == false.
func (c *Controller) Send(ctx context.Context, question string, opts generation.Options, conversationID string) (*Handle, bool) {
	return c.start(ctx, question, opts, conversationID, KindSend)
}

// Regenerate reruns the last question of a conversation. Reconciliation
// replaces the most recent assistant message instead of appending a new
// turn. The single-session constraint applies exactly as for Send.
func (c *Controller) Regenerate(ctx context.Context, lastQuestion string, opts generation.Options, conversationID string) (*Handle, bool) {
	return c.start(ctx, lastQuestion, opts, conversationID, KindRegenerate)
}

func (c *Controller) start(ctx context.Context, question string, opts generation.Options, conversationID string, kind Kind) (*Handle, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.active != nil && c.active.IsRunning() {
		existing := c.active
		c.mu.Unlock()
		log.Debug().Str("request_id", existing.RequestID).Msg("send rejected, session already in flight")
		return existing, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(uuid.NewString(), conversationID, kind, cancel)
	c.active = handle
	c.mu.Unlock()

	metadata := events.EventMetadata{
		ID:             uuid.New(),
		RequestID:      handle.RequestID,
		ConversationID: conversationID,
		TenantID:       c.tenantID,
	}

	log.Debug().
		Str("request_id", handle.RequestID).
		Str("conversation_id", conversationID).
		Str("kind", string(kind)).
		Msg("starting streaming session")
	c.publish(events.NewStartEvent(metadata, question, string(kind)))

	go c.run(runCtx, handle, metadata, generation.Request{
		Question:       question,
		Options:        opts,
		ConversationID: conversationID,
	})

	return handle, true
}

// Stop cooperatively cancels the in-flight session. Accumulated partial
// content is retained, so a stopped generation still yields a visibly
// truncated answer.
func (c *Controller) Stop() error {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil || !h.IsRunning() {
		return ErrNoActiveSession
	}
	h.Stop()
	return nil
}

// Active returns the current session handle, nil when none is in flight.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || !c.active.IsRunning() {
		return nil
	}
	return c.active
}

// IsRunning reports whether a session is pending or streaming.
func (c *Controller) IsRunning() bool {
	return c.Active() != nil
}

type chunkResult struct {
	chunk generation.Chunk
	err   error
}

func (c *Controller) run(ctx context.Context, h *Handle, metadata events.EventMetadata, req generation.Request) {
	defer func() {
		h.cancel()
		c.mu.Lock()
		if c.active == h {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	stream, err := c.client.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Stop landed before the stream opened, an interrupt, not a failure
			log.Debug().Str("request_id", h.RequestID).Msg("session cancelled before stream opened")
			c.publish(events.NewInterruptEvent(metadata, "", nil))
			h.finish(StatusCancelled, nil)
			return
		}
		log.Error().Err(err).Str("request_id", h.RequestID).Msg("failed to open generation stream")
		// publish before finishing so Wait observes fully reconciled state
		c.publish(events.NewErrorEvent(metadata, err, false))
		h.finish(StatusErrored, err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Str("request_id", h.RequestID).Msg("failed to close generation stream")
		}
	}()

	// One pumping goroutine so Recv can be raced against cancellation and
	// the idle timeout. Chunks from a single stream stay in arrival order.
	chunks := make(chan chunkResult)
	go func() {
		defer close(chunks)
		for {
			chunk, err := stream.Recv()
			select {
			case chunks <- chunkResult{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(c.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			snapshot := h.Snapshot()
			log.Debug().Str("request_id", h.RequestID).Int("partial_length", len(snapshot.Content)).Msg("session cancelled")
			c.publish(events.NewInterruptEvent(metadata, snapshot.Content, snapshot.Citations))
			h.finish(StatusCancelled, nil)
			return

		case <-timer.C:
			log.Error().Str("request_id", h.RequestID).Dur("idle_timeout", c.idleTimeout).Msg("generation stream went silent")
			tokensArrived := h.Snapshot().Content != ""
			c.publish(events.NewErrorEvent(metadata, ErrIdleTimeout, tokensArrived))
			h.finish(StatusErrored, ErrIdleTimeout)
			return

		case res, ok := <-chunks:
			if !ok {
				// pump exited after cancellation, the ctx.Done branch
				// produces the terminal state
				chunks = nil
				continue
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.idleTimeout)

			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					// stream ended without a done chunk; treat the
					// accumulated text as final
					snapshot := h.Snapshot()
					c.publish(events.NewFinalEvent(metadata, snapshot.Content, req.ConversationID, snapshot.Citations))
					h.finishCompleted(req.ConversationID, snapshot.Content)
					return
				}
				if errors.Is(res.err, context.Canceled) {
					continue
				}
				snapshot := h.Snapshot()
				log.Error().Err(res.err).Str("request_id", h.RequestID).Msg("generation stream failed")
				c.publish(events.NewErrorEvent(metadata, res.err, snapshot.Content != ""))
				h.finish(StatusErrored, res.err)
				return
			}

			switch res.chunk.Type {
			case generation.ChunkTypeToken:
				completion := h.appendContent(res.chunk.Text)
				c.publish(events.NewPartialEvent(metadata, res.chunk.Text, completion))

			case generation.ChunkTypeCitation:
				if res.chunk.Citation == nil {
					continue
				}
				if h.addCitation(*res.chunk.Citation) {
					c.publish(events.NewCitationEvent(metadata, *res.chunk.Citation))
				}

			case generation.ChunkTypeDone:
				snapshot := h.Snapshot()
				final := res.chunk.FinalContent
				if final == "" {
					final = snapshot.Content
				}
				assignedID := res.chunk.ConversationID
				if assignedID == "" {
					assignedID = req.ConversationID
				}
				log.Debug().
					Str("request_id", h.RequestID).
					Str("conversation_id", assignedID).
					Int("final_length", len(final)).
					Int("citations", len(snapshot.Citations)).
					Msg("session completed")
				c.publish(events.NewFinalEvent(metadata, final, assignedID, snapshot.Citations))
				h.finishCompleted(assignedID, final)
				return
			}
		}
	}
}

func (c *Controller) publish(event events.Event) {
	for _, sink := range c.sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("Failed to publish event to sink")
		}
	}
}
