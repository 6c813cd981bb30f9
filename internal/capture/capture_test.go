package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"Prosper/internal/eventloop"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	events   chan Event
	starts   int
	stops    int
	langs    []string
	startErr error
}

func (f *fakeRecognizer) Start(ctx context.Context, lang string) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.starts++
	f.langs = append(f.langs, lang)
	f.events = make(chan Event, 16)
	return f.events, nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRecognizer) emit(ev Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeRecognizer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type harness struct {
	loop  *eventloop.Loop
	clock *testingclock.FakeClock
	rec   *fakeRecognizer
	ctrl  *Controller

	mu        sync.Mutex
	interims  []string
	finals    []string
	ends      []string
	endStates []State
	errs      []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		loop:  eventloop.New(64, nil),
		clock: testingclock.NewFakeClock(time.Now()),
		rec:   &fakeRecognizer{},
	}
	go h.loop.Run(ctx)

	h.ctrl = New(h.rec, h.loop.Post, Options{Clock: h.clock})
	h.ctrl.SetCallbacks(Callbacks{
		OnInterim: func(text string) { h.record(&h.interims, text) },
		OnFinal:   func(text string) { h.record(&h.finals, text) },
		OnEnd: func(final string) {
			h.mu.Lock()
			h.ends = append(h.ends, final)
			h.endStates = append(h.endStates, h.ctrl.State())
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) record(dst *[]string, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*dst = append(*dst, text)
}

func (h *harness) count(dst *[]string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(*dst)
}

func (h *harness) do(t *testing.T, fn func() error) {
	t.Helper()
	require.NoError(t, h.loop.Do(fn))
}

func (h *harness) state(t *testing.T) State {
	var s State
	h.do(t, func() error { s = h.ctrl.State(); return nil })
	return s
}

func TestController_StopEmitsAccumulatedFinal(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	assert.Equal(t, StateListening, h.state(t))

	h.rec.emit(Event{Kind: EventResult, Text: "I'd"})
	h.rec.emit(Event{Kind: EventResult, Text: "I'd like to", IsFinal: true})
	h.rec.emit(Event{Kind: EventResult, Text: "practice", IsFinal: true})
	require.Eventually(t, func() bool { return h.count(&h.finals) == 2 }, time.Second, 5*time.Millisecond)

	var buf TranscriptBuffer
	h.do(t, func() error { buf = h.ctrl.Transcript(); return nil })
	assert.Equal(t, "I'd like to practice", buf.Final)

	h.do(t, func() error { h.ctrl.Stop(); return nil })

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"I'd"}, h.interims)
	assert.Equal(t, []string{"I'd like to practice"}, h.ends)
	assert.Equal(t, []State{StateDispatching}, h.endStates)
	assert.Equal(t, 1, h.rec.stopCount())
	assert.Equal(t, []string{"en-GB"}, h.rec.langs)
}

func TestController_StartWhileListening(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })

	err := h.loop.Do(func() error { return h.ctrl.Start(context.Background()) })
	assert.ErrorIs(t, err, ErrAlreadyCapturing)
}

func TestController_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	h.do(t, func() error { h.ctrl.Stop(); h.ctrl.Stop(); return nil })
	h.do(t, func() error { h.ctrl.Stop(); return nil })

	assert.Equal(t, 1, h.count(&h.ends))
	assert.Equal(t, 1, h.rec.stopCount())
	assert.Equal(t, StateIdle, h.state(t))
}

func TestController_EmptyUtteranceEndsIdle(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	h.rec.emit(Event{Kind: EventResult, Text: "um"})
	require.Eventually(t, func() bool { return h.count(&h.interims) == 1 }, time.Second, 5*time.Millisecond)

	h.do(t, func() error { h.ctrl.Stop(); return nil })

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{""}, h.ends)
	assert.Equal(t, []State{StateIdle}, h.endStates)
}

func TestController_SilenceTimeoutStopsOnce(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })

	h.clock.Step(DefaultSilenceTimeout)
	require.Eventually(t, func() bool { return h.count(&h.ends) == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Step(5 * time.Second)
	h.do(t, func() error { return nil })
	assert.Equal(t, 1, h.count(&h.ends))
	assert.Equal(t, 1, h.rec.stopCount())
	assert.Equal(t, StateIdle, h.state(t))
}

func TestController_ResultResetsSilenceTimeout(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })

	h.clock.Step(time.Second)
	h.rec.emit(Event{Kind: EventResult, Text: "hello", IsFinal: true})
	require.Eventually(t, func() bool { return h.count(&h.finals) == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Step(time.Second)
	assert.Never(t, func() bool { return h.count(&h.ends) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.clock.Step(600 * time.Millisecond)
	require.Eventually(t, func() bool { return h.count(&h.ends) == 1 }, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, []string{"hello"}, h.ends)
	h.mu.Unlock()
}

func TestController_RecognizerEndFinishesUtterance(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	h.rec.emit(Event{Kind: EventResult, Text: "tell me more", IsFinal: true})
	h.rec.emit(Event{Kind: EventEnd})

	require.Eventually(t, func() bool { return h.count(&h.ends) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.rec.stopCount())
	assert.Equal(t, StateIdle, h.state(t))
}

func TestController_ErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	h.rec.emit(Event{Kind: EventResult, Text: "partial", IsFinal: true})
	h.rec.emit(Event{Kind: EventError, Code: "no-speech"})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errs) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	err := h.errs[0]
	h.mu.Unlock()
	assert.ErrorIs(t, err, ErrRecognition)
	var recErr *RecognitionError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, "no-speech", recErr.Code)

	assert.Equal(t, 0, h.count(&h.ends))
	assert.Equal(t, StateIdle, h.state(t))

	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	assert.Equal(t, StateListening, h.state(t))
}

func TestController_AbortSkipsOnEnd(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.Start(context.Background()) })
	h.rec.emit(Event{Kind: EventResult, Text: "discard me", IsFinal: true})
	require.Eventually(t, func() bool { return h.count(&h.finals) == 1 }, time.Second, 5*time.Millisecond)

	h.do(t, func() error { h.ctrl.Abort(); return nil })

	assert.Equal(t, 0, h.count(&h.ends))
	assert.Equal(t, 1, h.rec.stopCount())
	var buf TranscriptBuffer
	h.do(t, func() error { buf = h.ctrl.Transcript(); return nil })
	assert.Empty(t, buf.Text())
}

func TestController_StartFailureIsRecognitionError(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("no microphone")

	err := h.loop.Do(func() error { return h.ctrl.Start(context.Background()) })
	assert.ErrorIs(t, err, ErrRecognition)
	assert.Equal(t, StateIdle, h.state(t))
}

func TestTranscriptBuffer_Apply(t *testing.T) {
	var b TranscriptBuffer
	b.Apply("hel", false)
	assert.Equal(t, "hel", b.Text())
	b.Apply("hello", true)
	b.Apply("wor", false)
	assert.Equal(t, "hello wor", b.Text())
	b.Apply(" world ", true)
	assert.Equal(t, "hello world", b.Final)
	assert.Empty(t, b.Interim)
	b.Reset()
	assert.Empty(t, b.Text())
}

func TestController_StartHeldIgnoresSilence(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() error { return h.ctrl.StartHeld(context.Background()) })

	h.clock.Step(10 * DefaultSilenceTimeout)
	assert.Never(t, func() bool { return h.count(&h.ends) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateListening, h.state(t))

	h.do(t, func() error { h.ctrl.Stop(); return nil })
	assert.Equal(t, 1, h.count(&h.ends))
}
