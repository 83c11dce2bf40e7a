package generation

import (
	"context"
	"io"
	"sync"

	"github.com/askdeck/askdeck/pkg/timeline"
)

// ScriptedClient plays back a predetermined list of chunks per request. It
// drives controller and reconciliation tests deterministically: a script can
// gate individual chunks on a channel, or end the stream with an error.
type ScriptedClient struct {
	mu      sync.Mutex
	scripts []Script
	// Requests records every request Generate received, in order.
	Requests []Request

	// OpenErr, when set, fails Generate before any stream is opened.
	OpenErr error
}

// Script describes one streamed response.
type Script struct {
	Chunks []Chunk
	// Err, when set, is returned by Recv after the chunks (instead of a
	// done chunk) to simulate a mid-stream transport failure.
	Err error
	// Gate, when non-nil, is received from before each chunk is handed
	// out, letting tests control pacing.
	Gate <-chan struct{}
}

var _ Client = (*ScriptedClient)(nil)

func NewScriptedClient(scripts ...Script) *ScriptedClient {
	return &ScriptedClient{scripts: scripts}
}

func (c *ScriptedClient) Generate(ctx context.Context, req Request) (ChunkStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}

	var script Script
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	return &scriptedStream{ctx: ctx, script: script}, nil
}

type scriptedStream struct {
	ctx    context.Context
	script Script
	pos    int
	closed bool
	mu     sync.Mutex
}

var _ ChunkStream = (*scriptedStream)(nil)

func (s *scriptedStream) Recv() (Chunk, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Chunk{}, io.EOF
	}

	if s.script.Gate != nil {
		// a closed gate releases all remaining chunks at once
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		case <-s.script.Gate:
		}
	} else if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}

	if s.pos >= len(s.script.Chunks) {
		if s.script.Err != nil {
			return Chunk{}, s.script.Err
		}
		return Chunk{}, io.EOF
	}

	chunk := s.script.Chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// TokenChunk, CitationChunk and DoneChunk are script-building helpers.
func TokenChunk(text string) Chunk {
	return Chunk{Type: ChunkTypeToken, Text: text}
}

func CitationChunk(c timeline.Citation) Chunk {
	return Chunk{Type: ChunkTypeCitation, Citation: &c}
}

func DoneChunk(conversationID, finalContent string) Chunk {
	return Chunk{Type: ChunkTypeDone, ConversationID: conversationID, FinalContent: finalContent}
}
