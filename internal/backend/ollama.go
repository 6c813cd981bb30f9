package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"Prosper/internal/session"
	"Prosper/internal/stream"
)

// DefaultOllamaURL is the local Ollama server
const DefaultOllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Tools    []OpenAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

// OllamaMessage is one chat message on the wire
type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

// OllamaToolCall carries decoded function arguments
type OllamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// OllamaResponse represents one line of a streamed Ollama chat
type OllamaResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   OllamaMessage `json:"message"`
	Done      bool          `json:"done"`
	Error     string        `json:"error,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama streams chats from a local Ollama server
type Ollama struct {
	opts   Options
	client *http.Client
	inst   instrument
}

// NewOllama returns an Ollama chat client
func NewOllama(opts Options) *Ollama {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOllamaURL
	}
	if opts.Model == "" {
		opts.Model = "llama3.2:latest"
	}
	return &Ollama{opts: opts, client: opts.client(), inst: newInstrument()}
}

// StreamResponse opens a streamed chat
func (o *Ollama) StreamResponse(ctx context.Context, req stream.Request) (stream.Stream, error) {
	body := OllamaRequest{
		Model:    o.opts.Model,
		Messages: ollamaMessages(req),
		Stream:   true,
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
		strings.TrimRight(o.opts.BaseURL, "/")+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.inst.do(ctx, o.client, "ollama", httpReq)
	if err != nil {
		return nil, err
	}
	return &ollamaStream{body: resp.Body, r: bufio.NewReaderSize(resp.Body, 64<<10)}, nil
}

// ListModels fetches the list of available Ollama models
func (o *Ollama) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(o.opts.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.inst.do(ctx, o.client, "ollama", req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	var tagsResp OllamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tagsResp.Models, nil
}

func ollamaMessages(req stream.Request) []OllamaMessage {
	var out []OllamaMessage
	if req.SystemPrompt != "" {
		out = append(out, OllamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, OllamaMessage{Role: "user", Content: m.Text()})
		case session.RoleAssistant:
			msg := OllamaMessage{Role: "assistant", Content: m.Text()}
			if p, ok := m.ToolCall(); ok {
				var tc OllamaToolCall
				tc.Function.Name = p.Name
				tc.Function.Arguments = p.Args
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			out = append(out, msg)
		case session.RoleTool:
			for _, p := range m.Parts {
				if p.Kind == session.PartToolResult {
					out = append(out, OllamaMessage{Role: "tool", Content: toolResultContent(p.Payload)})
				}
			}
		}
	}
	return out
}

type ollamaStream struct {
	body    io.ReadCloser
	r       *bufio.Reader
	pending []stream.Chunk
	done    bool
}

func (s *ollamaStream) Next() (stream.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return stream.Chunk{}, io.EOF
		}

		line, err := s.r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if errors.Is(err, io.EOF) {
				s.done = true
				continue
			}
			if err != nil {
				return stream.Chunk{}, fmt.Errorf("failed to read stream: %w", err)
			}
			continue
		}

		var resp OllamaResponse
		if jerr := json.Unmarshal(line, &resp); jerr != nil {
			return stream.Chunk{}, fmt.Errorf("failed to parse stream line: %w", jerr)
		}
		if resp.Error != "" {
			return stream.Chunk{}, fmt.Errorf("stream error: %s", resp.Error)
		}
		if resp.Message.Content != "" {
			s.pending = append(s.pending, stream.Chunk{Kind: stream.ChunkTextDelta, Text: resp.Message.Content})
		}
		// Ollama does not assign call ids.
		for _, tc := range resp.Message.ToolCalls {
			s.pending = append(s.pending, stream.Chunk{Kind: stream.ChunkToolCall, ToolCall: &stream.ToolCall{
				ID:   "call_" + uuid.NewString(),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}})
		}
		if resp.Done || errors.Is(err, io.EOF) {
			s.done = true
		}
	}
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
