package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdeck/askdeck/pkg/events"
	"github.com/askdeck/askdeck/pkg/generation"
	"github.com/askdeck/askdeck/pkg/timeline"
)

type collectSink struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.EventSink = (*collectSink)(nil)

func (s *collectSink) PublishEvent(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *collectSink) Types() []events.EventType {
	var types []events.EventType
	for _, e := range s.Events() {
		types = append(types, e.Type())
	}
	return types
}

func testCitation(docID string, chunkIndex int) timeline.Citation {
	return timeline.Citation{DocumentID: docID, ChunkIndex: chunkIndex, Score: 0.91}
}

func TestControllerStreamsToCompletion(t *testing.T) {
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{
			generation.TokenChunk("Per"),
			generation.TokenChunk(" the"),
			generation.TokenChunk(" handbook"),
			generation.CitationChunk(testCitation("doc-1", 3)),
			generation.DoneChunk("c-1", "Per the handbook"),
		},
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink), WithTenantID("acme"))

	handle, started := controller.Send(context.Background(), "What is our leave policy?", generation.Options{Citations: true}, "")
	require.True(t, started)

	snapshot := handle.Wait()
	assert.Equal(t, StatusCompleted, snapshot.Status)
	assert.Equal(t, "Per the handbook", snapshot.Content)
	assert.Equal(t, "c-1", snapshot.AssignedConversationID)
	require.Len(t, snapshot.Citations, 1)
	assert.Equal(t, "doc-1#3", snapshot.Citations[0].Key())
	assert.NoError(t, snapshot.Err)

	require.Len(t, client.Requests, 1)
	assert.Equal(t, "What is our leave policy?", client.Requests[0].Question)
	assert.True(t, client.Requests[0].Options.Citations)

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypeCitation,
		events.EventTypeFinal,
	}, sink.Types())

	final, ok := events.ToTypedEvent[events.EventFinal](sink.Events()[5])
	require.True(t, ok)
	assert.Equal(t, "Per the handbook", final.Text)
	assert.Equal(t, "c-1", final.ConversationID)

	assert.Nil(t, controller.Active())
}

func TestControllerPartialCompletionsAreMonotonic(t *testing.T) {
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{
			generation.TokenChunk("a"),
			generation.TokenChunk("b"),
			generation.TokenChunk("c"),
			generation.DoneChunk("c-1", ""),
		},
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)
	snapshot := handle.Wait()
	assert.Equal(t, "abc", snapshot.Content)

	var completions []string
	for _, e := range sink.Events() {
		if partial, ok := events.ToTypedEvent[events.EventPartial](e); ok {
			completions = append(completions, partial.Completion)
		}
	}
	assert.Equal(t, []string{"a", "ab", "abc"}, completions)
}

func TestControllerRejectsConcurrentSend(t *testing.T) {
	gate := make(chan struct{})
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{
			generation.TokenChunk("slow"),
			generation.DoneChunk("c-1", "slow"),
		},
		Gate: gate,
	})
	controller := NewController(client)

	first, started := controller.Send(context.Background(), "first", generation.Options{}, "c-1")
	require.True(t, started)

	second, started := controller.Send(context.Background(), "second", generation.Options{}, "c-1")
	assert.False(t, started)
	assert.Same(t, first, second)

	third, started := controller.Regenerate(context.Background(), "first", generation.Options{}, "c-1")
	assert.False(t, started)
	assert.Same(t, first, third)

	close(gate)
	snapshot := first.Wait()
	assert.Equal(t, StatusCompleted, snapshot.Status)

	// only the first request ever reached the client
	require.Len(t, client.Requests, 1)
	assert.Equal(t, "first", client.Requests[0].Question)

	_, started = controller.Send(context.Background(), "after", generation.Options{}, "c-1")
	assert.True(t, started)
}

func TestControllerStopRetainsPartialContent(t *testing.T) {
	gate := make(chan struct{})
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{
			generation.TokenChunk("partial"),
			generation.TokenChunk(" answer"),
			generation.TokenChunk(" never seen"),
			generation.DoneChunk("c-1", "full answer"),
		},
		Gate: gate,
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)

	gate <- struct{}{}
	gate <- struct{}{}
	require.Eventually(t, func() bool {
		return handle.Snapshot().Content == "partial answer"
	}, time.Second, time.Millisecond)

	require.NoError(t, controller.Stop())
	snapshot := handle.Wait()
	assert.Equal(t, StatusCancelled, snapshot.Status)
	assert.Equal(t, "partial answer", snapshot.Content)
	assert.NoError(t, snapshot.Err)

	types := sink.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
	interrupt, ok := events.ToTypedEvent[events.EventInterrupt](sink.Events()[len(types)-1])
	require.True(t, ok)
	assert.Equal(t, "partial answer", interrupt.Text)
}

func TestControllerStopWithoutSession(t *testing.T) {
	controller := NewController(generation.NewScriptedClient())
	assert.ErrorIs(t, controller.Stop(), ErrNoActiveSession)
}

func TestControllerIdleTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{generation.TokenChunk("never")},
		Gate:   gate,
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink), WithIdleTimeout(20*time.Millisecond))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)

	snapshot := handle.Wait()
	assert.Equal(t, StatusErrored, snapshot.Status)
	assert.ErrorIs(t, snapshot.Err, ErrIdleTimeout)

	types := sink.Types()
	errEvent, ok := events.ToTypedEvent[events.EventError](sink.Events()[len(types)-1])
	require.True(t, ok)
	assert.False(t, errEvent.TokensArrived)
}

func TestControllerMidStreamError(t *testing.T) {
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{generation.TokenChunk("some")},
		Err:    context.DeadlineExceeded,
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)

	snapshot := handle.Wait()
	assert.Equal(t, StatusErrored, snapshot.Status)
	assert.ErrorIs(t, snapshot.Err, context.DeadlineExceeded)
	assert.Equal(t, "some", snapshot.Content)

	types := sink.Types()
	errEvent, ok := events.ToTypedEvent[events.EventError](sink.Events()[len(types)-1])
	require.True(t, ok)
	assert.True(t, errEvent.TokensArrived)
}

// blockedOpenClient never finishes opening the stream until its context
// is cancelled, as a slow upstream would.
type blockedOpenClient struct {
	opening chan struct{}
}

func (c *blockedOpenClient) Generate(ctx context.Context, _ generation.Request) (generation.ChunkStream, error) {
	close(c.opening)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestControllerStopDuringStreamOpen(t *testing.T) {
	client := &blockedOpenClient{opening: make(chan struct{})}
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)

	<-client.opening
	require.NoError(t, controller.Stop())

	snapshot := handle.Wait()
	assert.Equal(t, StatusCancelled, snapshot.Status)
	assert.NoError(t, snapshot.Err)
	assert.Empty(t, snapshot.Content)

	types := sink.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
}

func TestControllerOpenErrorBeforeAnyToken(t *testing.T) {
	client := generation.NewScriptedClient()
	client.OpenErr = context.DeadlineExceeded
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)

	snapshot := handle.Wait()
	assert.Equal(t, StatusErrored, snapshot.Status)

	errEvent, ok := events.ToTypedEvent[events.EventError](sink.Events()[len(sink.Events())-1])
	require.True(t, ok)
	assert.False(t, errEvent.TokensArrived)
}

func TestControllerDeduplicatesCitations(t *testing.T) {
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{
			generation.CitationChunk(testCitation("doc-1", 3)),
			generation.CitationChunk(testCitation("doc-1", 3)),
			generation.CitationChunk(testCitation("doc-2", 0)),
			generation.DoneChunk("c-1", "text"),
		},
	})
	sink := &collectSink{}
	controller := NewController(client, WithEventSinks(sink))

	handle, started := controller.Send(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)
	snapshot := handle.Wait()

	require.Len(t, snapshot.Citations, 2)
	assert.Equal(t, "doc-1#3", snapshot.Citations[0].Key())
	assert.Equal(t, "doc-2#0", snapshot.Citations[1].Key())

	citationEvents := 0
	for _, e := range sink.Events() {
		if e.Type() == events.EventTypeCitation {
			citationEvents++
		}
	}
	assert.Equal(t, 2, citationEvents)
}

func TestControllerRegenerateKind(t *testing.T) {
	client := generation.NewScriptedClient(generation.Script{
		Chunks: []generation.Chunk{generation.DoneChunk("c-1", "redone")},
	})
	controller := NewController(client)

	handle, started := controller.Regenerate(context.Background(), "q", generation.Options{}, "c-1")
	require.True(t, started)
	snapshot := handle.Wait()
	assert.Equal(t, KindRegenerate, snapshot.Kind)
	assert.Equal(t, StatusCompleted, snapshot.Status)
	assert.Equal(t, "redone", snapshot.Content)
}
