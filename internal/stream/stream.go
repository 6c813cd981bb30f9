// Package stream consumes one streamed assistant response at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"Prosper/internal/session"
)

var (
	// ErrAlreadyStreaming is returned by Submit while a stream is open.
	ErrAlreadyStreaming = errors.New("already streaming")
	// ErrNetworkFailure wraps every transport or service failure of a stream.
	ErrNetworkFailure = errors.New("network failure")
)

// ChunkKind tags a stream chunk
type ChunkKind int

const (
	ChunkTextDelta ChunkKind = iota
	ChunkToolCall
)

// ToolCall is a tool invocation requested by the assistant
type ToolCall struct {
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
}

// Chunk is one element of a response stream
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
}

// ToolDef describes a tool offered to the generation service.
// Parameters is a JSON schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is the input of one generation
type Request struct {
	Messages     []session.Message
	SystemPrompt string
	Tools        []ToolDef
}

// Generator opens response streams
type Generator interface {
	StreamResponse(ctx context.Context, req Request) (Stream, error)
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Callbacks receive consumer events on the owning event loop
type Callbacks struct {
	OnTextDelta func(text string)
	OnToolCall  func(call ToolCall)
	OnComplete  func()
	OnError     func(err error)
}

// Consumer drives a Generator for one request at a time.
// All methods must be called from the event loop that post feeds.
type Consumer struct {
	gen    Generator
	post   func(func()) bool
	logger *slog.Logger
	cb     Callbacks

	seq      uint64
	active   bool
	cancel   context.CancelFunc
	tools    []ToolDef
	toolSeen bool
}

// NewConsumer creates a stream consumer over gen
func NewConsumer(gen Generator, post func(func()) bool, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		gen:    gen,
		post:   post,
		logger: logger.With("component", "stream"),
	}
}

// SetCallbacks replaces the event callbacks
func (c *Consumer) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// SetGenerator swaps the generation backend. It fails while a stream is open.
func (c *Consumer) SetGenerator(gen Generator) error {
	if c.active {
		return ErrAlreadyStreaming
	}
	c.gen = gen
	return nil
}

// Active reports whether a stream is open
func (c *Consumer) Active() bool {
	return c.active
}

// Submit opens a stream for req.
func (c *Consumer) Submit(ctx context.Context, req Request) error {
	if c.active {
		return ErrAlreadyStreaming
	}
	if c.gen == nil {
		return fmt.Errorf("%w: no generator configured", ErrNetworkFailure)
	}

	c.seq++
	streamCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.cancel = cancel
	c.tools = req.Tools
	c.toolSeen = false

	go c.run(streamCtx, c.seq, c.gen, req)

	c.logger.Debug("stream submitted", "seq", c.seq, "messages", len(req.Messages), "tools", len(req.Tools))
	return nil
}

// Cancel aborts the open stream. No event of that stream fires afterwards.
func (c *Consumer) Cancel() {
	if !c.active {
		return
	}
	c.seq++
	c.finish()
	c.logger.Debug("stream cancelled")
}

func (c *Consumer) finish() {
	c.active = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Consumer) run(ctx context.Context, seq uint64, gen Generator, req Request) {
	s, err := gen.StreamResponse(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.post(func() { c.fail(seq, err) })
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer func() {
		stop()
		s.Close()
	}()

	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			c.post(func() { c.complete(seq) })
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				c.post(func() { c.fail(seq, err) })
			}
			return
		}
		if !c.post(func() { c.handle(seq, chunk) }) {
			return
		}
	}
}

func (c *Consumer) stale(seq uint64) bool {
	if seq != c.seq || !c.active {
		c.logger.Debug("dropping stale stream event", "seq", seq, "current", c.seq)
		return true
	}
	return false
}

func (c *Consumer) handle(seq uint64, chunk Chunk) {
	if c.stale(seq) {
		return
	}
	switch chunk.Kind {
	case ChunkTextDelta:
		if chunk.Text != "" && c.cb.OnTextDelta != nil {
			c.cb.OnTextDelta(chunk.Text)
		}
	case ChunkToolCall:
		if chunk.ToolCall == nil {
			return
		}
		if c.toolSeen {
			c.logger.Warn("ignoring additional tool call in stream", "tool", chunk.ToolCall.Name)
			return
		}
		c.toolSeen = true
		call := c.sanitize(*chunk.ToolCall)
		if c.cb.OnToolCall != nil {
			c.cb.OnToolCall(call)
		}
	}
}

func (c *Consumer) complete(seq uint64) {
	if c.stale(seq) {
		return
	}
	c.finish()
	if c.cb.OnComplete != nil {
		c.cb.OnComplete()
	}
}

func (c *Consumer) fail(seq uint64, err error) {
	if c.stale(seq) {
		return
	}
	c.finish()
	if !errors.Is(err, ErrNetworkFailure) {
		err = fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	c.logger.Warn("stream failed", "error", err)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

func (c *Consumer) sanitize(call ToolCall) ToolCall {
	for _, def := range c.tools {
		if def.Name != call.Name {
			continue
		}
		args, err := ValidateArgs(def, call)
		if err != nil {
			c.logger.Warn("malformed tool arguments, using defaults", "tool", call.Name, "error", err)
		}
		call.Args = args
		return call
	}
	c.logger.Warn("tool call for undeclared tool", "tool", call.Name)
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return call
}
