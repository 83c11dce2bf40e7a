package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/askdeck/askdeck/pkg/timeline"
)

func TestNewEventFromJson_Partial(t *testing.T) {
	meta := EventMetadata{ID: uuid.New(), RequestID: "req-1", ConversationID: "c1"}
	ev := NewPartialEvent(meta, " the", "Per the")

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	decoded, err := NewEventFromJson(b)
	require.NoError(t, err)

	partial, ok := decoded.(*EventPartial)
	require.True(t, ok)
	require.Equal(t, " the", partial.Delta)
	require.Equal(t, "Per the", partial.Completion)
	require.Equal(t, "req-1", partial.Metadata().RequestID)
}

func TestNewEventFromJson_Citation(t *testing.T) {
	citation := timeline.Citation{DocumentID: "doc1", ChunkIndex: 3, Score: 0.91, Section: "Leave"}
	ev := NewCitationEvent(EventMetadata{ID: uuid.New()}, citation)

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	decoded, err := NewEventFromJson(b)
	require.NoError(t, err)

	ce, ok := decoded.(*EventCitation)
	require.True(t, ok)
	require.Equal(t, citation, ce.Citation)
}

func TestNewEventFromJson_ErrorCarriesTokensArrived(t *testing.T) {
	ev := NewErrorEvent(EventMetadata{ID: uuid.New()}, errors.New("stream dropped"), true)

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	decoded, err := NewEventFromJson(b)
	require.NoError(t, err)

	ee, ok := decoded.(*EventError)
	require.True(t, ok)
	require.Equal(t, "stream dropped", ee.ErrorString)
	require.True(t, ee.TokensArrived)
}
