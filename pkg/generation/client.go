package generation

// Package generation defines the boundary to the upstream
// retrieval-augmented generation service. The service accepts a question and
// returns an ordered stream of chunks: text tokens, document citations, and
// a final done marker carrying the authoritative answer and the conversation
// id the backend assigned.

import (
	"context"

	"github.com/askdeck/askdeck/pkg/timeline"
)

// Options controls a single generation request.
type Options struct {
	// Citations asks the backend to attach retrieved-document citations.
	Citations bool `json:"citations" yaml:"citations"`
	// FastMode trades answer quality for latency.
	FastMode bool `json:"fast_mode" yaml:"fast_mode"`
}

type Request struct {
	Question string  `json:"question"`
	Options  Options `json:"options"`
	// ConversationID is empty when the backend should create a new
	// conversation for this exchange.
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChunkType string

const (
	ChunkTypeToken    ChunkType = "token"
	ChunkTypeCitation ChunkType = "citation"
	ChunkTypeDone     ChunkType = "done"
)

// Chunk is one element of the generation stream. The discriminant is Type;
// consumers must not guess chunk kinds from the text payload.
type Chunk struct {
	Type     ChunkType          `json:"type"`
	Text     string             `json:"text,omitempty"`
	Citation *timeline.Citation `json:"citation,omitempty"`

	// Set on done chunks only.
	ConversationID string `json:"conversation_id,omitempty"`
	FinalContent   string `json:"final_content,omitempty"`
}

// ChunkStream delivers chunks in order. Recv returns io.EOF after the done
// chunk has been consumed; any other error means the transport failed
// mid-stream.
type ChunkStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client opens generation streams against the upstream service.
type Client interface {
	Generate(ctx context.Context, req Request) (ChunkStream, error)
}
