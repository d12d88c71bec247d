// Package openai adapts the OpenAI Chat Completions API to the provider
// interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/tool"
)

// Name is the registry name for this provider.
const Name = "openai"

// Provider implements provider.Provider over the OpenAI SDK.
type Provider struct {
	client sdk.Client
}

// Config holds connection settings.
type Config struct {
	APIKey  string
	BaseURL string
}

// New creates a Provider from config.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: sdk.NewClient(opts...)}, nil
}

// NewWithClient wraps an existing SDK client.
func NewWithClient(client sdk.Client) *Provider {
	return &Provider{client: client}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// CreateResponse implements provider.Provider.
func (p *Provider) CreateResponse(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params := buildParams(req)
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: completion returned no choices")
	}

	choice := completion.Choices[0]
	resp := &provider.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: provider.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

// CreateStreamingResponse implements provider.Provider.
func (p *Provider) CreateStreamingResponse(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params := buildParams(req)
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: sdk.Bool(true),
	}
	return &stream{inner: p.client.Chat.Completions.NewStreaming(ctx, params)}, nil
}

func buildParams(req provider.Request) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: buildMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

func buildMessages(req provider.Request) []sdk.ChatCompletionMessageParamUnion {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		// Tool results precede any text so they directly answer the
		// assistant's calls.
		for _, tr := range msg.ToolResults {
			messages = append(messages, sdk.ToolMessage(tr.Text, tr.CallID))
		}

		switch msg.Role {
		case provider.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if msg.Text != "" {
				assistant.Content.OfString = sdk.String(msg.Text)
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if msg.Text != "" || len(assistant.ToolCalls) > 0 {
				messages = append(messages, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			}
		default:
			if msg.Text != "" {
				messages = append(messages, sdk.UserMessage(msg.Text))
			}
		}
	}
	return messages
}

func buildTools(defs []provider.ToolDef) []sdk.ChatCompletionToolParam {
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  sdk.FunctionParameters(schemaToMap(def.Schema)),
			},
		})
	}
	return tools
}

func schemaToMap(schema tool.Schema) map[string]any {
	// Round-trip through JSON so nested Property structs become plain maps.
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// classify wraps rate limits and server errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && provider.RetryableStatus(apiErr.StatusCode) {
		return provider.MarkTransient(err)
	}
	return err
}

// stream translates Chat Completions streaming chunks into provider
// chunks. OpenAI has no per-call end marker, so open calls are closed
// when the finish reason arrives.
type stream struct {
	inner *ssestream.Stream[sdk.ChatCompletionChunk]

	pending []provider.Chunk
	current provider.Chunk
	err     error
	done    bool
	ended   bool

	// index -> call id, in delta arrival order.
	openCalls  map[int64]string
	callOrder  []int64
	stopReason string
	usage      provider.Usage
}

func (s *stream) Next() bool {
	if len(s.pending) > 0 {
		s.current = s.pending[0]
		s.pending = s.pending[1:]
		return true
	}
	if s.done {
		return false
	}

	for s.inner.Next() {
		if chunks := s.translate(s.inner.Current()); len(chunks) > 0 {
			s.current = chunks[0]
			s.pending = append(s.pending, chunks[1:]...)
			return true
		}
	}

	s.done = true
	if err := s.inner.Err(); err != nil {
		s.err = classify(err)
		s.current = provider.Chunk{Kind: provider.ChunkError, Err: s.err}
		return true
	}
	if !s.ended {
		s.ended = true
		s.current = s.endChunk()
		return true
	}
	return false
}

func (s *stream) translate(chunk sdk.ChatCompletionChunk) []provider.Chunk {
	if s.openCalls == nil {
		s.openCalls = make(map[int64]string)
	}

	var out []provider.Chunk

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		s.usage.InputTokens = chunk.Usage.PromptTokens
		s.usage.OutputTokens = chunk.Usage.CompletionTokens
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			out = append(out, provider.Chunk{Kind: provider.ChunkTextDelta, Text: choice.Delta.Content})
		}

		for _, call := range choice.Delta.ToolCalls {
			if _, open := s.openCalls[call.Index]; !open && call.ID != "" {
				s.openCalls[call.Index] = call.ID
				s.callOrder = append(s.callOrder, call.Index)
				out = append(out, provider.Chunk{
					Kind:     provider.ChunkToolCallStart,
					CallID:   call.ID,
					ToolName: call.Function.Name,
				})
			}
			if call.Function.Arguments != "" {
				if callID, ok := s.openCalls[call.Index]; ok {
					out = append(out, provider.Chunk{
						Kind:        provider.ChunkToolCallDelta,
						CallID:      callID,
						ArgFragment: call.Function.Arguments,
					})
				}
			}
		}

		if choice.FinishReason != "" {
			s.stopReason = string(choice.FinishReason)
			out = append(out, s.closeCalls()...)
		}
	}
	return out
}

// closeCalls emits tool-call-end chunks for every open call in arrival
// order.
func (s *stream) closeCalls() []provider.Chunk {
	var out []provider.Chunk
	for _, idx := range s.callOrder {
		if callID, ok := s.openCalls[idx]; ok {
			delete(s.openCalls, idx)
			out = append(out, provider.Chunk{Kind: provider.ChunkToolCallEnd, CallID: callID})
		}
	}
	s.callOrder = nil
	return out
}

func (s *stream) endChunk() provider.Chunk {
	usage := s.usage
	return provider.Chunk{
		Kind:       provider.ChunkEnd,
		StopReason: s.stopReason,
		Usage:      &usage,
	}
}

func (s *stream) Current() provider.Chunk { return s.current }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error { return s.inner.Close() }
