package generation

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient runs generation against an OpenAI-compatible chat completion
// endpoint, which is how the assistant backend exposes its generation tier.
// Text deltas map to token chunks; the final chunk carries the accumulated
// answer and the conversation id (assigned here when the request had none).
//
// Plain chat completion endpoints do not emit citation chunks; backends with
// a retrieval tier deliver those through their own Client implementation.
type OpenAIClient struct {
	client    *go_openai.Client
	model     string
	fastModel string
	system    string
}

var _ Client = (*OpenAIClient)(nil)

type OpenAIOption func(*OpenAIClient)

func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.model = model
	}
}

func WithFastModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.fastModel = model
	}
}

func WithSystemPrompt(prompt string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.system = prompt
	}
}

func NewOpenAIClient(apiKey string, baseURL string, options ...OpenAIOption) *OpenAIClient {
	cfg := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	ret := &OpenAIClient{
		client:    go_openai.NewClientWithConfig(cfg),
		model:     go_openai.GPT4TurboPreview,
		fastModel: go_openai.GPT3Dot5Turbo,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (ChunkStream, error) {
	model := c.model
	if req.Options.FastMode {
		model = c.fastModel
	}

	messages := []go_openai.ChatCompletionMessage{}
	if c.system != "" {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: c.system,
		})
	}
	messages = append(messages, go_openai.ChatCompletionMessage{
		Role:    go_openai.ChatMessageRoleUser,
		Content: req.Question,
	})

	log.Debug().Str("model", model).Str("conversation_id", req.ConversationID).Bool("fast_mode", req.Options.FastMode).Msg("opening generation stream")
	stream, err := c.client.CreateChatCompletionStream(ctx, go_openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open chat completion stream")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	return &openAIStream{
		stream:         stream,
		conversationID: conversationID,
	}, nil
}

type openAIStream struct {
	stream         *go_openai.ChatCompletionStream
	conversationID string
	accumulated    string
	done           bool
}

var _ ChunkStream = (*openAIStream)(nil)

func (s *openAIStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			log.Debug().Int("final_length", len(s.accumulated)).Msg("generation stream completed")
			return Chunk{
				Type:           ChunkTypeDone,
				ConversationID: s.conversationID,
				FinalContent:   s.accumulated,
			}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.accumulated += delta
		return Chunk{Type: ChunkTypeToken, Text: delta}, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
