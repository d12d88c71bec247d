// Package anthropic adapts the Anthropic Messages API to the provider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/tool"
)

// Name is the registry name for this provider.
const Name = "anthropic"

// DefaultMaxTokens applies when a request names none.
const DefaultMaxTokens = 4096

// Provider implements provider.Provider over the Anthropic SDK.
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
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: sdk.NewClient(opts...)}, nil
}

// NewWithClient wraps an existing SDK client, for tests and custom
// transports.
func NewWithClient(client sdk.Client) *Provider {
	return &Provider{client: client}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// CreateResponse implements provider.Provider.
func (p *Provider) CreateResponse(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params := buildParams(req)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	resp := &provider.Response{
		StopReason: string(msg.StopReason),
		Usage: provider.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			resp.Text += variant.Text
		case sdk.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				args = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

// CreateStreamingResponse implements provider.Provider.
func (p *Provider) CreateStreamingResponse(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params := buildParams(req)
	return &stream{inner: p.client.Messages.NewStreaming(ctx, params)}, nil
}

func buildParams(req provider.Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

func buildMessages(messages []provider.Message) []sdk.MessageParam {
	params := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []sdk.ContentBlockParamUnion
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.CallID, tr.Text, tr.IsError))
		}
		if msg.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(msg.Text))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, sdk.NewTextBlock(""))
		}
		params = append(params, sdk.MessageParam{
			Role:    sdk.MessageParamRole(msg.Role),
			Content: blocks,
		})
	}
	return params
}

func buildTools(defs []provider.ToolDef) []sdk.ToolUnionParam {
	unions := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		properties := make(map[string]any, len(def.Schema.Properties))
		for name, prop := range def.Schema.Properties {
			properties[name] = propertyToMap(prop)
		}
		param := sdk.ToolParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			InputSchema: sdk.ToolInputSchemaParam{
				Type:       constant.Object("object"),
				Properties: properties,
			},
		}
		if len(def.Schema.Required) > 0 {
			param.InputSchema.Required = def.Schema.Required
		}
		unions = append(unions, sdk.ToolUnionParam{OfTool: &param})
	}
	return unions
}

func propertyToMap(def tool.Property) map[string]any {
	prop := map[string]any{"type": def.Type}
	if def.Description != "" {
		prop["description"] = def.Description
	}
	if len(def.Enum) > 0 {
		prop["enum"] = def.Enum
	}
	if def.Minimum != nil {
		prop["minimum"] = *def.Minimum
	}
	if def.Maximum != nil {
		prop["maximum"] = *def.Maximum
	}
	if def.MinLength != nil {
		prop["minLength"] = *def.MinLength
	}
	if def.MaxLength != nil {
		prop["maxLength"] = *def.MaxLength
	}
	if def.Items != nil {
		prop["items"] = propertyToMap(*def.Items)
	}
	if len(def.Properties) > 0 {
		nested := make(map[string]any, len(def.Properties))
		for name, p := range def.Properties {
			nested[name] = propertyToMap(p)
		}
		prop["properties"] = nested
	}
	return prop
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

// stream translates SDK streaming events into provider chunks.
type stream struct {
	inner *ssestream.Stream[sdk.MessageStreamEventUnion]

	// pending buffers chunks when one event expands to several.
	pending []provider.Chunk
	current provider.Chunk
	err     error
	done    bool

	// index -> open tool call id; text indexes map to "".
	openCalls  map[int]string
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
			if s.current.Kind == provider.ChunkEnd {
				s.done = true
			}
			return true
		}
	}

	s.done = true
	if err := s.inner.Err(); err != nil {
		s.err = classify(err)
		s.current = provider.Chunk{Kind: provider.ChunkError, Err: s.err}
		return true
	}
	return false
}

func (s *stream) translate(event sdk.MessageStreamEventUnion) []provider.Chunk {
	if s.openCalls == nil {
		s.openCalls = make(map[int]string)
	}

	switch e := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.usage.InputTokens = e.Message.Usage.InputTokens

	case sdk.ContentBlockStartEvent:
		switch content := e.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			if content.Text != "" {
				return []provider.Chunk{{Kind: provider.ChunkTextDelta, Text: content.Text}}
			}
		case sdk.ToolUseBlock:
			s.openCalls[int(e.Index)] = content.ID
			return []provider.Chunk{{
				Kind:     provider.ChunkToolCallStart,
				CallID:   content.ID,
				ToolName: content.Name,
			}}
		}

	case sdk.ContentBlockDeltaEvent:
		switch delta := e.Delta.AsAny().(type) {
		case sdk.TextDelta:
			return []provider.Chunk{{Kind: provider.ChunkTextDelta, Text: delta.Text}}
		case sdk.InputJSONDelta:
			if callID, ok := s.openCalls[int(e.Index)]; ok {
				return []provider.Chunk{{
					Kind:        provider.ChunkToolCallDelta,
					CallID:      callID,
					ArgFragment: delta.PartialJSON,
				}}
			}
		}

	case sdk.ContentBlockStopEvent:
		if callID, ok := s.openCalls[int(e.Index)]; ok {
			delete(s.openCalls, int(e.Index))
			return []provider.Chunk{{Kind: provider.ChunkToolCallEnd, CallID: callID}}
		}

	case sdk.MessageDeltaEvent:
		s.stopReason = string(e.Delta.StopReason)
		s.usage.OutputTokens = e.Usage.OutputTokens

	case sdk.MessageStopEvent:
		usage := s.usage
		return []provider.Chunk{{
			Kind:       provider.ChunkEnd,
			StopReason: s.stopReason,
			Usage:      &usage,
		}}
	}
	return nil
}

func (s *stream) Current() provider.Chunk { return s.current }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error { return s.inner.Close() }
