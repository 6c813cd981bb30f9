// Package capture wraps a speech recognition service behind a single-utterance
// controller with a silence timeout.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// DefaultSilenceTimeout stops capture when no result arrives for this long.
const DefaultSilenceTimeout = 1500 * time.Millisecond

var (
	// ErrAlreadyCapturing is returned by Start while an utterance is in progress.
	ErrAlreadyCapturing = errors.New("already capturing")
	// ErrRecognition matches every RecognitionError.
	ErrRecognition = errors.New("speech recognition failed")
)

// RecognitionError carries the service error code of a failed utterance
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech recognition error %s: %v", e.Code, e.Err)
	}
	return "speech recognition error " + e.Code
}

func (e *RecognitionError) Unwrap() error { return e.Err }

func (e *RecognitionError) Is(target error) bool { return target == ErrRecognition }

// EventKind tags a recognizer event
type EventKind int

const (
	EventResult EventKind = iota
	EventEnd
	EventError
)

// Event is one notification from the recognition service
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
	Code    string
	Err     error
}

// Recognizer is the speech recognition service.
// Start returns the subscription for one utterance; the channel is closed or
// carries EventEnd/EventError when the service finishes. Cancelling ctx unsubscribes.
type Recognizer interface {
	Start(ctx context.Context, lang string) (<-chan Event, error)
	Stop() error
}

// State of the controller
type State int

const (
	StateIdle State = iota
	StateListening
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Callbacks receive controller events on the owning event loop
type Callbacks struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnEnd     func(finalText string)
	OnError   func(err error)
}

// Options configures a Controller
type Options struct {
	Language       string
	SilenceTimeout time.Duration
	Clock          clock.WithDelayedExecution
	Logger         *slog.Logger
}

// Controller manages one utterance at a time.
// All methods must be called from the event loop that post feeds.
type Controller struct {
	rec     Recognizer
	post    func(func()) bool
	clock   clock.WithDelayedExecution
	logger  *slog.Logger
	lang    string
	silence time.Duration
	cb      Callbacks

	state      State
	buf        TranscriptBuffer
	gen        uint64
	silenceGen uint64
	silenceOn  bool
	cancel     context.CancelFunc
	timer      clock.Timer
}

// New creates a capture controller. post schedules work on the owning event loop.
func New(rec Recognizer, post func(func()) bool, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = DefaultSilenceTimeout
	}
	if opts.Language == "" {
		opts.Language = "en-GB"
	}
	return &Controller{
		rec:     rec,
		post:    post,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "capture"),
		lang:    opts.Language,
		silence: opts.SilenceTimeout,
	}
}

// SetCallbacks replaces the event callbacks
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// State returns the controller state
func (c *Controller) State() State {
	return c.state
}

// Listening reports whether an utterance is being captured
func (c *Controller) Listening() bool {
	return c.state == StateListening
}

// Transcript returns the buffer of the utterance in progress
func (c *Controller) Transcript() TranscriptBuffer {
	return c.buf
}

// Start begins capturing one utterance.
func (c *Controller) Start(ctx context.Context) error {
	return c.start(ctx, true)
}

// StartHeld begins capturing one utterance that only ends on Stop, Abort or
// the end of the recognition stream. The silence timeout is not armed.
func (c *Controller) StartHeld(ctx context.Context) error {
	return c.start(ctx, false)
}

func (c *Controller) start(ctx context.Context, silence bool) error {
	if c.state != StateIdle {
		return ErrAlreadyCapturing
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := c.rec.Start(subCtx, c.lang)
	if err != nil {
		cancel()
		return &RecognitionError{Code: "start", Err: err}
	}

	c.gen++
	c.buf.Reset()
	c.cancel = cancel
	c.state = StateListening
	c.silenceOn = silence
	c.armSilence()

	gen := c.gen
	go c.pump(subCtx, gen, events)

	c.logger.Debug("capture started", "gen", gen, "lang", c.lang)
	return nil
}

// Stop ends the utterance and emits OnEnd with the accumulated final text.
// Calling Stop when not listening does nothing.
func (c *Controller) Stop() {
	if c.state != StateListening {
		return
	}
	c.teardown(true)
	c.end()
}

// Abort ends the utterance without emitting OnEnd and discards the transcript.
func (c *Controller) Abort() {
	if c.state != StateListening {
		return
	}
	c.teardown(true)
	c.buf.Reset()
	c.logger.Debug("capture aborted")
}

func (c *Controller) pump(ctx context.Context, gen uint64, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.post(func() { c.handle(gen, Event{Kind: EventEnd}) })
				return
			}
			c.post(func() { c.handle(gen, ev) })
			if ev.Kind != EventResult {
				return
			}
		}
	}
}

func (c *Controller) handle(gen uint64, ev Event) {
	if gen != c.gen || c.state != StateListening {
		c.logger.Debug("dropping stale recognizer event", "gen", gen, "current", c.gen)
		return
	}

	switch ev.Kind {
	case EventResult:
		c.armSilence()
		c.buf.Apply(ev.Text, ev.IsFinal)
		if ev.IsFinal {
			if c.cb.OnFinal != nil {
				c.cb.OnFinal(ev.Text)
			}
		} else if c.cb.OnInterim != nil {
			c.cb.OnInterim(ev.Text)
		}

	case EventEnd:
		c.teardown(false)
		c.end()

	case EventError:
		c.teardown(false)
		c.buf.Reset()
		err := &RecognitionError{Code: ev.Code, Err: ev.Err}
		c.logger.Warn("recognition error", "code", ev.Code, "error", ev.Err)
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	}
}

// teardown unsubscribes and returns to idle without notifying anyone.
func (c *Controller) teardown(stopService bool) {
	c.gen++
	c.silenceGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if stopService {
		if err := c.rec.Stop(); err != nil {
			c.logger.Warn("failed to stop recognizer", "error", err)
		}
	}
	c.state = StateIdle
}

func (c *Controller) end() {
	final := strings.TrimSpace(c.buf.Final)
	if final != "" {
		c.state = StateDispatching
	}
	c.logger.Debug("capture ended", "final_len", len(final))
	if c.cb.OnEnd != nil {
		c.cb.OnEnd(final)
	}
	c.buf.Reset()
	if c.state == StateDispatching {
		c.state = StateIdle
	}
}

func (c *Controller) armSilence() {
	if !c.silenceOn {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.silenceGen++
	gen, token := c.gen, c.silenceGen
	c.timer = c.clock.AfterFunc(c.silence, func() {
		c.post(func() { c.onSilence(gen, token) })
	})
}

func (c *Controller) onSilence(gen, token uint64) {
	if gen != c.gen || token != c.silenceGen || c.state != StateListening {
		return
	}
	c.logger.Info("silence timeout, stopping capture", "timeout", c.silence)
	c.Stop()
}
