package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"Prosper/internal/session"
	"Prosper/internal/stream"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Tools     []AnthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

// AnthropicContent represents different content types (text, tool_use, tool_result)
type AnthropicContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`          // For tool_use
	Name      string         `json:"name,omitempty"`        // For tool_use
	Input     map[string]any `json:"input,omitempty"`       // For tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"` // For tool_result
	Content   string         `json:"content,omitempty"`     // For tool_result
}

// AnthropicTool represents a tool definition
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicStreamEvent is the data payload of one streamed message event
type AnthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Anthropic streams messages from the Anthropic API
type Anthropic struct {
	opts   Options
	client *http.Client
	inst   instrument
}

// NewAnthropic returns an Anthropic messages client
func NewAnthropic(opts Options) *Anthropic {
	if opts.BaseURL == "" {
		opts.BaseURL = anthropicBaseURL
	}
	if opts.Model == "" {
		opts.Model = "claude-3-5-haiku-latest"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Anthropic{opts: opts, client: opts.client(), inst: newInstrument()}
}

// StreamResponse opens a streamed message
func (a *Anthropic) StreamResponse(ctx context.Context, req stream.Request) (stream.Stream, error) {
	system, messages := anthropicMessages(req)
	body := AnthropicRequest{
		Model:     a.opts.Model,
		MaxTokens: a.opts.MaxTokens,
		System:    system,
		Messages:  messages,
		Stream:    true,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, AnthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.opts.BaseURL, "/")+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.opts.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.inst.do(ctx, a.client, "anthropic", httpReq)
	if err != nil {
		return nil, err
	}
	return &anthropicStream{body: resp.Body, sse: newSSEReader(resp.Body), blocks: make(map[int]*stream.ToolCall)}, nil
}

// anthropicMessages converts the history. The API requires the first message
// to come from the user and roles to alternate, so leading assistant text is
// folded into the system prompt and consecutive same-role messages are merged.
func anthropicMessages(req stream.Request) (string, []AnthropicMessage) {
	system := req.SystemPrompt
	var out []AnthropicMessage

	for _, m := range req.Messages {
		var role string
		var content []AnthropicContent
		switch m.Role {
		case session.RoleUser:
			role = "user"
			content = append(content, AnthropicContent{Type: "text", Text: m.Text()})
		case session.RoleAssistant:
			role = "assistant"
			if t := m.Text(); t != "" {
				content = append(content, AnthropicContent{Type: "text", Text: t})
			}
			if p, ok := m.ToolCall(); ok {
				input := p.Args
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, AnthropicContent{Type: "tool_use", ID: p.CallID, Name: p.Name, Input: input})
			}
		case session.RoleTool:
			role = "user"
			for _, p := range m.Parts {
				if p.Kind == session.PartToolResult {
					content = append(content, AnthropicContent{
						Type:      "tool_result",
						ToolUseID: p.CallID,
						Content:   toolResultContent(p.Payload),
					})
				}
			}
		}
		if len(content) == 0 {
			continue
		}

		if len(out) == 0 && role == "assistant" {
			if t := m.Text(); t != "" {
				system = strings.TrimSpace(system + "\n\nYou opened the conversation with: " + t)
			}
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, content...)
			continue
		}
		out = append(out, AnthropicMessage{Role: role, Content: content})
	}
	return system, out
}

type anthropicStream struct {
	body   io.ReadCloser
	sse    *sseReader
	blocks map[int]*stream.ToolCall
	done   bool
}

func (s *anthropicStream) Next() (stream.Chunk, error) {
	for {
		if s.done {
			return stream.Chunk{}, io.EOF
		}
		ev, err := s.sse.next()
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return stream.Chunk{}, fmt.Errorf("failed to read stream: %w", err)
		}

		var e AnthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			return stream.Chunk{}, fmt.Errorf("failed to parse stream event: %w", err)
		}

		switch e.Type {
		case "content_block_start":
			if e.ContentBlock != nil && e.ContentBlock.Type == "tool_use" {
				s.blocks[e.Index] = &stream.ToolCall{ID: e.ContentBlock.ID, Name: e.ContentBlock.Name}
			}
		case "content_block_delta":
			if e.Delta == nil {
				continue
			}
			switch e.Delta.Type {
			case "text_delta":
				if e.Delta.Text != "" {
					return stream.Chunk{Kind: stream.ChunkTextDelta, Text: e.Delta.Text}, nil
				}
			case "input_json_delta":
				if tc, ok := s.blocks[e.Index]; ok {
					tc.RawArgs += e.Delta.PartialJSON
				}
			}
		case "content_block_stop":
			if tc, ok := s.blocks[e.Index]; ok {
				delete(s.blocks, e.Index)
				return stream.Chunk{Kind: stream.ChunkToolCall, ToolCall: tc}, nil
			}
		case "message_stop":
			s.done = true
		case "error":
			msg := "unknown error"
			if e.Error != nil {
				msg = e.Error.Type + ": " + e.Error.Message
			}
			return stream.Chunk{}, fmt.Errorf("stream error: %s", msg)
		}
	}
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}
