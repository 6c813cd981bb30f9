package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Prosper/internal/eventloop"
)

// scriptedStream yields chunks pushed by the test and stops at io.EOF or a
// pushed error.
type scriptedStream struct {
	ch     chan result
	closed chan struct{}
	once   sync.Once
}

type result struct {
	chunk Chunk
	err   error
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{ch: make(chan result, 16), closed: make(chan struct{})}
}

func (s *scriptedStream) Next() (Chunk, error) {
	select {
	case r := <-s.ch:
		return r.chunk, r.err
	case <-s.closed:
		return Chunk{}, errors.New("stream closed")
	}
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) text(t string) { s.ch <- result{chunk: Chunk{Kind: ChunkTextDelta, Text: t}} }
func (s *scriptedStream) tool(c ToolCall) {
	s.ch <- result{chunk: Chunk{Kind: ChunkToolCall, ToolCall: &c}}
}
func (s *scriptedStream) done()          { s.ch <- result{err: io.EOF} }
func (s *scriptedStream) fail(err error) { s.ch <- result{err: err} }

type scriptedGenerator struct {
	mu      sync.Mutex
	streams []*scriptedStream
	reqs    []Request
	openErr error
}

func (g *scriptedGenerator) StreamResponse(ctx context.Context, req Request) (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	s := newScriptedStream()
	g.streams = append(g.streams, s)
	g.reqs = append(g.reqs, req)
	return s, nil
}

func (g *scriptedGenerator) last(t *testing.T) *scriptedStream {
	t.Helper()
	var s *scriptedStream
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.streams) == 0 {
			return false
		}
		s = g.streams[len(g.streams)-1]
		return true
	}, time.Second, time.Millisecond)
	return s
}

type events struct {
	mu        sync.Mutex
	deltas    []string
	calls     []ToolCall
	completes int
	errs      []error
}

func (e *events) snapshot() ([]string, []ToolCall, int, []error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.deltas...), append([]ToolCall(nil), e.calls...), e.completes, append([]error(nil), e.errs...)
}

func newConsumer(t *testing.T, gen Generator) (*eventloop.Loop, *Consumer, *events) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := eventloop.New(64, nil)
	go loop.Run(ctx)

	ev := &events{}
	c := NewConsumer(gen, loop.Post, nil)
	c.SetCallbacks(Callbacks{
		OnTextDelta: func(text string) {
			ev.mu.Lock()
			ev.deltas = append(ev.deltas, text)
			ev.mu.Unlock()
		},
		OnToolCall: func(call ToolCall) {
			ev.mu.Lock()
			ev.calls = append(ev.calls, call)
			ev.mu.Unlock()
		},
		OnComplete: func() {
			ev.mu.Lock()
			ev.completes++
			ev.mu.Unlock()
		},
		OnError: func(err error) {
			ev.mu.Lock()
			ev.errs = append(ev.errs, err)
			ev.mu.Unlock()
		},
	})
	return loop, c, ev
}

func submit(t *testing.T, loop *eventloop.Loop, c *Consumer, req Request) {
	t.Helper()
	require.NoError(t, loop.Do(func() error { return c.Submit(context.Background(), req) }))
}

func TestConsumer_DeltasThenComplete(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{SystemPrompt: "be kind"})
	s := gen.last(t)
	s.text("Hello")
	s.text(", Ava")
	s.done()

	require.Eventually(t, func() bool { _, _, n, _ := ev.snapshot(); return n == 1 }, time.Second, time.Millisecond)
	deltas, calls, _, errs := ev.snapshot()
	assert.Equal(t, []string{"Hello", ", Ava"}, deltas)
	assert.Empty(t, calls)
	assert.Empty(t, errs)

	var active bool
	require.NoError(t, loop.Do(func() error { active = c.Active(); return nil }))
	assert.False(t, active)
}

func TestConsumer_RejectsSecondSubmit(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, _ := newConsumer(t, gen)

	submit(t, loop, c, Request{})
	err := loop.Do(func() error { return c.Submit(context.Background(), Request{}) })
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
}

func TestConsumer_CancelAfterTwoDeltas(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{})
	s := gen.last(t)
	s.text("one ")
	s.text("two ")
	require.Eventually(t, func() bool { d, _, _, _ := ev.snapshot(); return len(d) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, loop.Do(func() error { c.Cancel(); return nil }))
	s.text("three")
	s.done()

	assert.Never(t, func() bool {
		d, calls, n, errs := ev.snapshot()
		return len(d) != 2 || len(calls) != 0 || n != 0 || len(errs) != 0
	}, 100*time.Millisecond, 5*time.Millisecond)

	// a new stream can be opened after cancellation
	submit(t, loop, c, Request{})
}

func TestConsumer_FirstToolCallWins(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{Tools: []ToolDef{StartExerciseDef()}})
	s := gen.last(t)
	s.tool(ToolCall{ID: "call_1", Name: StartExerciseTool, RawArgs: `{"durationSeconds":30}`})
	s.tool(ToolCall{ID: "call_2", Name: StartExerciseTool, RawArgs: `{"durationSeconds":90}`})
	s.done()

	require.Eventually(t, func() bool { _, _, n, _ := ev.snapshot(); return n == 1 }, time.Second, time.Millisecond)
	_, calls, _, _ := ev.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, 30, ParseExerciseArgs(calls[0].Args).DurationSeconds)
}

func TestConsumer_MalformedToolArgsAreDefaulted(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{Tools: []ToolDef{StartExerciseDef()}})
	s := gen.last(t)
	s.tool(ToolCall{ID: "call_1", Name: StartExerciseTool, RawArgs: `{"durationSeconds": "thirty"`})
	s.done()

	require.Eventually(t, func() bool { _, _, n, _ := ev.snapshot(); return n == 1 }, time.Second, time.Millisecond)
	_, calls, _, errs := ev.snapshot()
	require.Len(t, calls, 1)
	assert.Empty(t, errs)
	assert.Equal(t, DefaultExerciseSeconds, ParseExerciseArgs(calls[0].Args).DurationSeconds)
}

func TestConsumer_StreamErrorIsNetworkFailure(t *testing.T) {
	gen := &scriptedGenerator{}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{})
	s := gen.last(t)
	s.text("partial")
	s.fail(errors.New("connection reset"))

	require.Eventually(t, func() bool { _, _, _, e := ev.snapshot(); return len(e) == 1 }, time.Second, time.Millisecond)
	deltas, _, n, errs := ev.snapshot()
	assert.Equal(t, []string{"partial"}, deltas)
	assert.Zero(t, n)
	assert.ErrorIs(t, errs[0], ErrNetworkFailure)
	assert.Contains(t, errs[0].Error(), "connection reset")
}

func TestConsumer_OpenErrorIsNetworkFailure(t *testing.T) {
	gen := &scriptedGenerator{openErr: errors.New("dial tcp: refused")}
	loop, c, ev := newConsumer(t, gen)

	submit(t, loop, c, Request{})
	require.Eventually(t, func() bool { _, _, _, e := ev.snapshot(); return len(e) == 1 }, time.Second, time.Millisecond)
	_, _, _, errs := ev.snapshot()
	assert.ErrorIs(t, errs[0], ErrNetworkFailure)
}

func TestParseExerciseArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want ExerciseArgs
	}{
		{"missing", map[string]any{}, ExerciseArgs{DurationSeconds: 60}},
		{"float", map[string]any{"durationSeconds": 30.0, "prompt": " Go "}, ExerciseArgs{DurationSeconds: 30, Prompt: "Go"}},
		{"too short", map[string]any{"durationSeconds": 1}, ExerciseArgs{DurationSeconds: 5}},
		{"too long", map[string]any{"durationSeconds": 3600}, ExerciseArgs{DurationSeconds: 600}},
		{"negative", map[string]any{"durationSeconds": -10}, ExerciseArgs{DurationSeconds: 60}},
		{"wrong type", map[string]any{"durationSeconds": true}, ExerciseArgs{DurationSeconds: 60}},
		{"huge float", map[string]any{"durationSeconds": 1e300}, ExerciseArgs{DurationSeconds: 600}},
		{"huge number", map[string]any{"durationSeconds": json.Number("1e300")}, ExerciseArgs{DurationSeconds: 600}},
		{"huge negative", map[string]any{"durationSeconds": -1e300}, ExerciseArgs{DurationSeconds: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseExerciseArgs(tt.args))
		})
	}
}

func TestValidateArgs(t *testing.T) {
	def := StartExerciseDef()

	args, err := ValidateArgs(def, ToolCall{RawArgs: `{"durationSeconds":45,"prompt":"Introduce yourself"}`})
	require.NoError(t, err)
	assert.Equal(t, float64(45), args["durationSeconds"])

	args, err = ValidateArgs(def, ToolCall{Args: map[string]any{"durationSeconds": 20}})
	require.NoError(t, err)
	assert.Equal(t, float64(20), args["durationSeconds"])

	args, err = ValidateArgs(def, ToolCall{RawArgs: `{"durationSeconds":"soon"}`})
	assert.Error(t, err)
	assert.Empty(t, args)

	args, err = ValidateArgs(def, ToolCall{})
	require.NoError(t, err)
	assert.Empty(t, args)
}
