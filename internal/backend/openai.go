package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"Prosper/internal/session"
	"Prosper/internal/stream"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	grokBaseURL   = "https://api.x.ai/v1"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model     string          `json:"model"`
	Messages  []OpenAIMessage `json:"messages"`
	Tools     []OpenAITool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream"`
}

// OpenAIMessage is one chat message on the wire
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAITool is a function tool definition
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction describes a callable function
type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OpenAIToolCall is a tool call made by the assistant
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// OpenAIStreamChunk is one SSE data payload of a streamed completion
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string                `json:"role,omitempty"`
			Content   string                `json:"content,omitempty"`
			ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// OpenAI streams chat completions from OpenAI-compatible APIs
type OpenAI struct {
	provider string
	opts     Options
	client   *http.Client
	inst     instrument
}

// NewOpenAI returns a client for api.openai.com
func NewOpenAI(opts Options) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = openAIBaseURL
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return &OpenAI{provider: "openai", opts: opts, client: opts.client(), inst: newInstrument()}
}

// NewGrok returns a client for the xAI API, which speaks the OpenAI protocol
func NewGrok(opts Options) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = grokBaseURL
	}
	if opts.Model == "" {
		opts.Model = "grok-3-mini"
	}
	return &OpenAI{provider: "grok", opts: opts, client: opts.client(), inst: newInstrument()}
}

// StreamResponse opens a streamed chat completion
func (o *OpenAI) StreamResponse(ctx context.Context, req stream.Request) (stream.Stream, error) {
	body := OpenAIRequest{
		Model:     o.opts.Model,
		Messages:  openAIMessages(req),
		MaxTokens: o.opts.MaxTokens,
		Stream:    true,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, OpenAITool{
			Type:     "function",
			Function: OpenAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(o.opts.BaseURL, "/")+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+o.opts.APIKey)

	resp, err := o.inst.do(ctx, o.client, o.provider, httpReq)
	if err != nil {
		return nil, err
	}
	return &openAIStream{
		body:  resp.Body,
		sse:   newSSEReader(resp.Body),
		calls: make(map[int]*stream.ToolCall),
	}, nil
}

func openAIMessages(req stream.Request) []OpenAIMessage {
	var out []OpenAIMessage
	if req.SystemPrompt != "" {
		out = append(out, OpenAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, OpenAIMessage{Role: "user", Content: m.Text()})
		case session.RoleAssistant:
			msg := OpenAIMessage{Role: "assistant", Content: m.Text()}
			if p, ok := m.ToolCall(); ok {
				tc := OpenAIToolCall{ID: p.CallID, Type: "function"}
				tc.Function.Name = p.Name
				tc.Function.Arguments = argsJSON(p.Args)
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			out = append(out, msg)
		case session.RoleTool:
			for _, p := range m.Parts {
				if p.Kind != session.PartToolResult {
					continue
				}
				out = append(out, OpenAIMessage{
					Role:       "tool",
					Content:    toolResultContent(p.Payload),
					ToolCallID: p.CallID,
				})
			}
		}
	}
	return out
}

type openAIStream struct {
	body    io.ReadCloser
	sse     *sseReader
	pending []stream.Chunk
	calls   map[int]*stream.ToolCall
	done    bool
}

func (s *openAIStream) Next() (stream.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return stream.Chunk{}, io.EOF
		}

		ev, err := s.sse.next()
		if errors.Is(err, io.EOF) {
			s.flushCalls()
			s.done = true
			continue
		}
		if err != nil {
			return stream.Chunk{}, fmt.Errorf("failed to read stream: %w", err)
		}
		if ev.Data == "[DONE]" {
			s.flushCalls()
			s.done = true
			continue
		}

		var chunk OpenAIStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return stream.Chunk{}, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return stream.Chunk{}, fmt.Errorf("stream error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, stream.Chunk{Kind: stream.ChunkTextDelta, Text: choice.Delta.Content})
			}
			for _, d := range choice.Delta.ToolCalls {
				tc, ok := s.calls[d.Index]
				if !ok {
					tc = &stream.ToolCall{}
					s.calls[d.Index] = tc
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Function.Name != "" {
					tc.Name = d.Function.Name
				}
				tc.RawArgs += d.Function.Arguments
			}
			if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
				s.flushCalls()
			}
		}
	}
}

// flushCalls emits accumulated tool calls in index order
func (s *openAIStream) flushCalls() {
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.pending = append(s.pending, stream.Chunk{Kind: stream.ChunkToolCall, ToolCall: s.calls[i]})
	}
	clear(s.calls)
}

func (s *openAIStream) Close() error {
	return s.body.Close()
}
