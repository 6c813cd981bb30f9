// Package coordinator sequences capture, generation, timed exercises and
// playback so that exactly one side of the conversation holds the turn.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"Prosper/internal/cache"
	"Prosper/internal/capture"
	"Prosper/internal/eventloop"
	"Prosper/internal/exercise"
	"Prosper/internal/playback"
	"Prosper/internal/session"
	"Prosper/internal/stream"
	"Prosper/internal/variant"
)

// StatusDuration is how long a transient status stays visible.
const StatusDuration = 4 * time.Second

// Journal receives finalized messages and state transitions
type Journal interface {
	RecordSession(sess *session.Session, backend string)
	RecordMessage(sessionID string, msg session.Message)
	RecordTransition(sessionID, from, to, reason string)
}

// Deps are the external services a coordinator drives
type Deps struct {
	Recognizer  capture.Recognizer
	Generator   stream.Generator
	Synthesizer playback.Synthesizer
	Player      playback.Player
	AudioCache  *cache.AudioCache
	Journal     Journal
}

// Options configures a Coordinator
type Options struct {
	Profile  variant.Profile
	Voice    playback.Voice
	Language string
	Backend  string
	// Audio speaks completed replies of profiles with Voice set.
	Audio          bool
	SilenceTimeout time.Duration
	EventBuffer    int
	Clock          clock.WithTickerAndDelayedExecution
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Coordinator owns one session and its controllers.
// Every exported method is safe for concurrent use; the work runs on the
// coordinator's event loop.
type Coordinator struct {
	loop    *eventloop.Loop
	clock   clock.WithTickerAndDelayedExecution
	logger  *slog.Logger
	tracer  trace.Tracer
	journal Journal
	events  chan Event

	turns          metric.Int64Counter
	streamErrors   metric.Int64Counter
	streamDuration metric.Float64Histogram

	capture  *capture.Controller
	exercise *exercise.Controller
	consumer *stream.Consumer
	playback *playback.Controller

	ctx       context.Context
	profile   variant.Profile
	voice     playback.Voice
	backend   string
	audio     bool

	state        State
	sess         *session.Session
	userMessages int
	streamingID  string
	pendingCall  *stream.ToolCall
	turnSpan     trace.Span
	turnStart    time.Time

	status      string
	statusErr   bool
	statusGen   uint64
	statusTimer clock.Timer
	degraded    bool
}

// New creates a coordinator with a fresh session. Call Run to start it.
func New(deps Deps, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("prosper")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("prosper")
	}
	if opts.Voice.ID == "" {
		opts.Voice = playback.DefaultVoice()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	logger := opts.Logger.With("component", "coordinator")
	loop := eventloop.New(0, opts.Logger)

	c := &Coordinator{
		loop:    loop,
		clock:   opts.Clock,
		logger:  logger,
		tracer:  opts.Tracer,
		journal: deps.Journal,
		events:  make(chan Event, opts.EventBuffer),
		ctx:     context.Background(),
		profile: opts.Profile,
		voice:   opts.Voice,
		backend: opts.Backend,
		audio:   opts.Audio,
	}
	c.initMetrics(opts.Meter)

	c.capture = capture.New(deps.Recognizer, loop.Post, capture.Options{
		Language:       opts.Language,
		SilenceTimeout: opts.SilenceTimeout,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
	})
	c.capture.SetCallbacks(capture.Callbacks{
		OnInterim: c.onTranscript,
		OnFinal:   c.onTranscript,
		OnEnd:     c.onCaptureEnd,
		OnError:   c.onCaptureError,
	})

	c.exercise = exercise.New(opts.Clock, loop.Post, opts.Logger)
	c.exercise.SetCallbacks(exercise.Callbacks{
		OnReady:  c.onTimerReady,
		OnTick:   c.onTimerTick,
		OnExpire: c.onTimerExpire,
	})

	c.consumer = stream.NewConsumer(deps.Generator, loop.Post, opts.Logger)
	c.consumer.SetCallbacks(stream.Callbacks{
		OnTextDelta: c.onTextDelta,
		OnToolCall:  c.onToolCall,
		OnComplete:  c.onStreamComplete,
		OnError:     c.onStreamError,
	})

	c.playback = playback.New(deps.Synthesizer, deps.Player, loop.Post, playback.Options{
		Clock:  opts.Clock,
		Cache:  deps.AudioCache,
		Meter:  opts.Meter,
		Logger: opts.Logger,
	})
	c.playback.SetCallbacks(playback.Callbacks{
		OnStart:    c.onPlaybackStart,
		OnProgress: c.onPlaybackProgress,
		OnPause:    c.onPlaybackPause,
		OnEnded:    c.onPlaybackEnded,
		OnError:    c.onPlaybackError,
	})

	c.startSession()
	return c
}

func (c *Coordinator) initMetrics(meter metric.Meter) {
	var err error
	if c.turns, err = meter.Int64Counter("prosper.turns",
		metric.WithDescription("Number of completed conversation turns")); err != nil {
		c.logger.Warn("failed to create turns counter", "error", err)
	}
	if c.streamErrors, err = meter.Int64Counter("prosper.stream.errors",
		metric.WithDescription("Number of failed response streams")); err != nil {
		c.logger.Warn("failed to create stream error counter", "error", err)
	}
	if c.streamDuration, err = meter.Float64Histogram("prosper.stream.duration",
		metric.WithDescription("Duration of response streams"),
		metric.WithUnit("ms")); err != nil {
		c.logger.Warn("failed to create stream duration histogram", "error", err)
	}
}

// Run processes events until ctx is cancelled, then releases every controller.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	err := c.loop.Run(ctx)
	c.shutdown()
	return err
}

// Events delivers coordinator events. It is closed when Run returns.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) shutdown() {
	c.consumer.Cancel()
	c.capture.Abort()
	c.exercise.Discard()
	c.playback.Reset()
	if c.statusTimer != nil {
		c.statusTimer.Stop()
	}
	if c.turnSpan != nil {
		c.turnSpan.End()
		c.turnSpan = nil
	}
	close(c.events)
}

// SubmitText sends a typed user message.
func (c *Coordinator) SubmitText(text string) error {
	return c.loop.Do(func() error {
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyMessage
		}
		if c.capture.Listening() {
			return ErrAlreadyCapturing
		}
		if c.state != StateIdle {
			return &TurnError{Op: "submit", State: c.state}
		}
		c.silence()
		c.setState(StateUserTurn, "typed submit")
		c.dispatch(text)
		return nil
	})
}

// StartCapture begins a voice turn.
func (c *Coordinator) StartCapture() error {
	return c.loop.Do(func() error {
		if c.capture.Listening() {
			return ErrAlreadyCapturing
		}
		if c.state != StateIdle {
			return &TurnError{Op: "start capture", State: c.state, Err: ErrAlreadyCapturing}
		}
		c.silence()
		if err := c.capture.Start(c.ctx); err != nil {
			c.setStatus("Microphone unavailable", err)
			return fmt.Errorf("failed to start capture: %w", err)
		}
		c.setState(StateUserTurn, "capture started")
		return nil
	})
}

// StopCapture ends the utterance in progress. It does nothing when not listening.
func (c *Coordinator) StopCapture() error {
	return c.loop.Do(func() error {
		c.capture.Stop()
		return nil
	})
}

// ConfirmExerciseStart starts an armed exercise and forces capture on.
func (c *Coordinator) ConfirmExerciseStart() error {
	return c.loop.Do(func() error {
		if c.state != StateToolPending {
			return &TurnError{Op: "confirm exercise", State: c.state}
		}
		if err := c.exercise.Start(); err != nil {
			return err
		}
		c.silence()
		if err := c.capture.StartHeld(c.ctx); err != nil {
			c.exercise.Discard()
			c.syncTimer()
			c.setStatus("Microphone unavailable", err)
			c.emit(Event{Kind: EventTimerCancelled})
			c.setState(StateIdle, "capture failed")
			return fmt.Errorf("failed to start capture: %w", err)
		}
		c.syncTimer()
		c.setState(StatePitchActive, "exercise started")
		return nil
	})
}

// CancelExercise discards an armed or running exercise.
func (c *Coordinator) CancelExercise() error {
	return c.loop.Do(func() error {
		if c.state != StateToolPending && c.state != StatePitchActive {
			return &TurnError{Op: "cancel exercise", State: c.state}
		}
		c.capture.Abort()
		if err := c.exercise.Cancel(); err != nil {
			c.exercise.Discard()
		}
		c.syncTimer()
		c.emit(Event{Kind: EventTimerCancelled})
		c.setState(StateIdle, "exercise cancelled")
		return nil
	})
}

// TogglePlayback plays or pauses the spoken form of an assistant message.
// An empty id selects the latest assistant message.
func (c *Coordinator) TogglePlayback(messageID string) error {
	return c.loop.Do(func() error {
		if c.capture.Listening() {
			return &TurnError{Op: "playback", State: c.state}
		}
		var msg session.Message
		var ok bool
		if messageID == "" {
			msg, ok = c.sess.LastAssistant()
		} else {
			msg, ok = c.sess.Get(messageID)
		}
		if !ok || msg.Role != session.RoleAssistant {
			return fmt.Errorf("%w: %q", ErrUnknownMessage, messageID)
		}
		if msg.Streaming {
			return &TurnError{Op: "playback", State: c.state}
		}
		text := msg.Text()
		if isBlank(text) {
			return ErrEmptyMessage
		}
		c.speak(msg.ID, text)
		return nil
	})
}

// Reset aborts all activity and returns to Idle, keeping the transcript.
func (c *Coordinator) Reset() error {
	return c.loop.Do(func() error {
		c.abortAll()
		c.setState(StateIdle, "reset")
		return nil
	})
}

// NewSession discards the transcript and starts over with the current variant.
func (c *Coordinator) NewSession() error {
	return c.loop.Do(func() error {
		c.restart()
		return nil
	})
}

// SwitchVariant starts a new session with profile.
func (c *Coordinator) SwitchVariant(profile variant.Profile) error {
	return c.loop.Do(func() error {
		c.profile = profile
		c.restart()
		return nil
	})
}

// SetGenerator switches the generation backend between turns.
func (c *Coordinator) SetGenerator(gen stream.Generator, backend string) error {
	return c.loop.Do(func() error {
		if c.state == StateAssistantTurn {
			return &TurnError{Op: "switch backend", State: c.state}
		}
		if err := c.consumer.SetGenerator(gen); err != nil {
			return err
		}
		c.backend = backend
		c.logger.Info("backend switched", "backend", backend)
		c.setStatus("Switched to "+backend, nil)
		return nil
	})
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.loop.Do(func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Coordinator) snapshot() Snapshot {
	msgs := c.sess.Messages()
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{Message: m}
		if m.Role == session.RoleAssistant {
			v.Bubbles = c.profile.Bubbles(m.DisplayText())
		}
		views = append(views, v)
	}
	snap := Snapshot{
		SessionID:      c.sess.ID,
		Variant:        c.sess.Variant,
		Backend:        c.backend,
		StartTime:      c.sess.StartTime,
		Elapsed:        c.clock.Since(c.sess.StartTime),
		State:          c.state,
		TurnOwner:      c.sess.TurnOwner,
		Messages:       views,
		Transcript:     c.capture.Transcript(),
		Listening:      c.capture.Listening(),
		PendingAudioID: c.sess.PendingAudioRequestID,
		PlayingID:      c.playback.PlayingID(),
		Status:         c.status,
		StatusIsError:  c.statusErr,
		Degraded:       c.degraded,
	}
	if !c.profile.GreetingInHistory {
		snap.Greeting = c.profile.Greeting
	}
	if t := c.sess.ActiveTimer; t != nil {
		cp := *t
		snap.Timer = &cp
	}
	return snap
}

func (c *Coordinator) startSession() {
	c.sess = session.New(c.profile.Name, c.clock.Now())
	c.userMessages = 0
	c.degraded = false
	if c.journal != nil {
		c.journal.RecordSession(c.sess, c.backend)
	}
	c.logger.Info("session started", "session_id", c.sess.ID, "variant", c.profile.Name)
	c.emit(Event{Kind: EventSessionStarted, State: c.state})

	if c.profile.Greeting != "" && c.profile.GreetingInHistory {
		msg := c.sess.Append(session.RoleAssistant, c.clock.Now(), session.TextPart(c.profile.Greeting))
		c.recordMessage(msg)
		c.emit(Event{Kind: EventMessageAppended, MessageID: msg.ID, Role: msg.Role, Text: msg.Text()})
	}
}

func (c *Coordinator) restart() {
	c.abortAll()
	c.playback.Reset()
	c.exercise.Discard()
	c.syncTimer()
	c.setState(StateIdle, "new session")
	c.clearStatus(c.statusGen)
	c.startSession()
}

func (c *Coordinator) abortAll() {
	if c.consumer.Active() {
		c.consumer.Cancel()
		c.endAssistantMessage("cancelled")
	}
	c.resolveUnarmedCall("cancelled")
	c.capture.Abort()
	if t := c.exercise.Timer(); t != nil && t.State != session.TimerExpired {
		c.exercise.Discard()
		c.emit(Event{Kind: EventTimerCancelled})
	}
	c.syncTimer()
	c.silence()
}

// silence stops any audio and synthesis in flight when the user takes the floor.
func (c *Coordinator) silence() {
	c.playback.Silence()
	c.sess.PendingAudioRequestID = c.playback.PendingID()
}

// dispatch appends a user message and opens the assistant turn.
func (c *Coordinator) dispatch(text string) {
	outgoing := c.profile.OutgoingText(text, c.userMessages == 0)
	msg := c.sess.Append(session.RoleUser, c.clock.Now(), session.TextPart(outgoing))
	if outgoing != text {
		if err := c.sess.SetDisplay(msg.ID, text); err != nil {
			c.logger.Warn("failed to set display text", "error", err)
		}
		msg.Display = text
	}
	c.userMessages++
	c.recordMessage(msg)
	c.countTurn(session.RoleUser)
	c.emit(Event{Kind: EventMessageAppended, MessageID: msg.ID, Role: msg.Role, Text: msg.DisplayText()})

	c.beginAssistantTurn()
}

func (c *Coordinator) beginAssistantTurn() {
	history := c.sess.History()
	msg := c.sess.AppendStreaming(c.clock.Now())
	c.streamingID = msg.ID
	c.pendingCall = nil
	c.setState(StateAssistantTurn, "user message dispatched")
	c.emit(Event{Kind: EventMessageAppended, MessageID: msg.ID, Role: msg.Role})

	_, c.turnSpan = c.tracer.Start(c.ctx, "assistant_turn", trace.WithAttributes(
		attribute.String("session.id", c.sess.ID),
		attribute.Int64("turn.seq", int64(msg.Seq)),
		attribute.String("backend", c.backend),
		attribute.String("variant", c.profile.Name),
	))
	c.turnStart = c.clock.Now()

	req := stream.Request{Messages: history, SystemPrompt: c.profile.SystemPrompt}
	if c.profile.Exercises {
		req.Tools = []stream.ToolDef{stream.StartExerciseDef()}
	}
	if err := c.consumer.Submit(c.ctx, req); err != nil {
		c.onStreamError(err)
	}
}

func (c *Coordinator) onTextDelta(text string) {
	if err := c.sess.AppendText(c.streamingID, text); err != nil {
		c.logger.Warn("dropping text delta", "error", err)
		return
	}
	c.emit(Event{Kind: EventMessageDelta, MessageID: c.streamingID, Role: session.RoleAssistant, Text: text})
}

func (c *Coordinator) onToolCall(call stream.ToolCall) {
	if call.Name != stream.StartExerciseTool || !c.profile.Exercises {
		c.logger.Warn("ignoring unsupported tool call", "tool", call.Name)
		return
	}
	if err := c.sess.AppendPart(c.streamingID, session.ToolCallPart(call.ID, call.Name, call.Args)); err != nil {
		c.logger.Warn("dropping tool call", "error", err)
		return
	}
	c.pendingCall = &call
	c.logger.Info("exercise requested", "call_id", call.ID)
}

func (c *Coordinator) onStreamComplete() {
	msgID := c.streamingID
	c.endAssistantMessage("completed")
	if c.degraded {
		c.degraded = false
		c.clearStatus(c.statusGen)
	}

	call := c.pendingCall
	c.pendingCall = nil
	if call != nil && c.armExercise(*call) {
		c.setState(StateToolPending, "exercise armed")
	} else {
		c.setState(StateIdle, "assistant turn completed")
	}

	if c.audio && c.profile.Voice {
		if msg, ok := c.sess.Get(msgID); ok && !isBlank(msg.Text()) {
			c.speak(msg.ID, msg.Text())
		}
	}
}

func (c *Coordinator) onStreamError(err error) {
	if c.streamErrors != nil {
		c.streamErrors.Add(c.ctx, 1, metric.WithAttributes(attribute.String("backend", c.backend)))
	}
	if c.turnSpan != nil {
		c.turnSpan.RecordError(err)
		c.turnSpan.SetStatus(codes.Error, err.Error())
	}
	c.endAssistantMessage("failed")
	c.resolveUnarmedCall("failed")
	c.degraded = true
	c.logger.Error("assistant turn failed", "error", err)
	c.setStatus("Connection problem, please try again", err)
	c.setState(StateIdle, "stream failed")
}

// endAssistantMessage finalizes the streaming message, keeping any partial text.
func (c *Coordinator) endAssistantMessage(outcome string) {
	if c.streamingID == "" {
		return
	}
	id := c.streamingID
	c.streamingID = ""
	if err := c.sess.Finalize(id); err != nil {
		c.logger.Warn("failed to finalize message", "error", err)
	}
	msg, _ := c.sess.Get(id)
	c.recordMessage(msg)
	c.countTurn(session.RoleAssistant)
	c.emit(Event{Kind: EventMessageFinalized, MessageID: id, Role: msg.Role, Text: msg.Text()})

	if c.turnSpan != nil {
		c.turnSpan.SetAttributes(attribute.String("outcome", outcome))
		c.turnSpan.End()
		c.turnSpan = nil
	}
	if c.streamDuration != nil {
		elapsed := float64(c.clock.Since(c.turnStart).Milliseconds())
		c.streamDuration.Record(c.ctx, elapsed, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// armExercise arms the timer for call and appends the synthetic tool result.
func (c *Coordinator) armExercise(call stream.ToolCall) bool {
	args := stream.ParseExerciseArgs(call.Args)
	payload := map[string]any{
		"durationSeconds": args.DurationSeconds,
		"status":          "armed",
	}
	err := c.exercise.Arm(args.DurationSeconds, args.Prompt)
	if err != nil {
		c.logger.Warn("failed to arm exercise", "error", err)
		payload["status"] = "error"
		payload["error"] = err.Error()
	}
	c.syncTimer()

	msg := c.sess.Append(session.RoleTool, c.clock.Now(), session.ToolResultPart(call.ID, call.Name, payload))
	c.recordMessage(msg)
	c.emit(Event{Kind: EventMessageAppended, MessageID: msg.ID, Role: msg.Role})
	return err == nil
}

// resolveUnarmedCall answers a tool call whose turn ended before the exercise
// was armed. Providers reject a history with a call but no result.
func (c *Coordinator) resolveUnarmedCall(status string) {
	call := c.pendingCall
	c.pendingCall = nil
	if call == nil {
		return
	}
	c.logger.Info("exercise not armed", "call_id", call.ID, "status", status)
	msg := c.sess.Append(session.RoleTool, c.clock.Now(),
		session.ToolResultPart(call.ID, call.Name, map[string]any{"status": status}))
	c.recordMessage(msg)
	c.emit(Event{Kind: EventMessageAppended, MessageID: msg.ID, Role: msg.Role})
}

func (c *Coordinator) onTranscript(string) {
	c.emit(Event{Kind: EventTranscript, Text: c.capture.Transcript().Text()})
}

func (c *Coordinator) onCaptureEnd(final string) {
	switch c.state {
	case StatePitchActive:
		if t := c.exercise.Timer(); t != nil && t.State == session.TimerRunning {
			c.exercise.Discard()
			c.emit(Event{Kind: EventTimerCancelled})
		}
		c.syncTimer()
		c.setState(StateUserTurn, "exercise capture ended")
	case StateUserTurn:
	default:
		c.logger.Debug("ignoring capture end", "state", c.state)
		return
	}

	if isBlank(final) {
		c.setState(StateIdle, "empty utterance")
		return
	}
	c.dispatch(final)
}

func (c *Coordinator) onCaptureError(err error) {
	c.setStatus(recognitionStatus(err), err)
	switch c.state {
	case StatePitchActive:
		c.exercise.Discard()
		c.syncTimer()
		c.emit(Event{Kind: EventTimerCancelled})
		c.setState(StateIdle, "capture failed")
	case StateUserTurn:
		c.setState(StateIdle, "capture failed")
	}
}

func recognitionStatus(err error) string {
	var recErr *capture.RecognitionError
	if errors.As(err, &recErr) && recErr.Code != "" {
		return "Speech recognition error: " + recErr.Code
	}
	return "Speech recognition error"
}

func (c *Coordinator) onTimerReady(prompt string) {
	c.emit(Event{Kind: EventTimerReady, Text: prompt})
}

func (c *Coordinator) onTimerTick(remaining int) {
	c.syncTimer()
	c.emit(Event{Kind: EventTimerTick, Remaining: remaining})
}

func (c *Coordinator) onTimerExpire() {
	c.syncTimer()
	c.emit(Event{Kind: EventTimerExpired})
	if c.state != StatePitchActive {
		return
	}
	c.logger.Info("exercise time is up, stopping capture")
	c.capture.Stop()
}

func (c *Coordinator) speak(messageID, text string) {
	c.playback.Play(messageID, text, c.voice)
	c.sess.PendingAudioRequestID = c.playback.PendingID()
}

func (c *Coordinator) onPlaybackStart(messageID string) {
	c.sess.PendingAudioRequestID = c.playback.PendingID()
	c.emit(Event{Kind: EventPlaybackStarted, MessageID: messageID})
}

func (c *Coordinator) onPlaybackProgress(messageID string, fraction float64) {
	c.emit(Event{Kind: EventPlaybackProgress, MessageID: messageID, Progress: fraction})
}

func (c *Coordinator) onPlaybackPause(messageID string) {
	c.emit(Event{Kind: EventPlaybackPaused, MessageID: messageID})
}

func (c *Coordinator) onPlaybackEnded(messageID string) {
	c.emit(Event{Kind: EventPlaybackEnded, MessageID: messageID})
}

func (c *Coordinator) onPlaybackError(messageID string, err error) {
	c.sess.PendingAudioRequestID = c.playback.PendingID()
	c.logger.Warn("playback failed", "message_id", messageID, "error", err)
	c.emit(Event{Kind: EventPlaybackEnded, MessageID: messageID, Err: err})
	c.setStatus("Could not play audio", err)
}

func (c *Coordinator) syncTimer() {
	c.sess.ActiveTimer = c.exercise.Timer()
}

func (c *Coordinator) setState(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.sess.TurnOwner = to.owner()
	c.logger.Debug("state changed", "from", from, "to", to, "reason", reason)
	if c.journal != nil {
		c.journal.RecordTransition(c.sess.ID, from.String(), to.String(), reason)
	}
	c.emit(Event{Kind: EventStateChanged, State: to, Text: reason})
}

// setStatus shows a transient status that clears after StatusDuration.
// A non-nil err marks it as an error and travels with the event.
func (c *Coordinator) setStatus(text string, err error) {
	if c.statusTimer != nil {
		c.statusTimer.Stop()
	}
	c.status = text
	c.statusErr = err != nil
	c.statusGen++
	gen := c.statusGen
	c.statusTimer = c.clock.AfterFunc(StatusDuration, func() {
		c.loop.Post(func() { c.clearStatus(gen) })
	})
	c.emit(Event{Kind: EventStatus, Text: text, Err: err})
}

func (c *Coordinator) clearStatus(gen uint64) {
	if gen != c.statusGen || c.status == "" {
		return
	}
	c.status = ""
	c.statusErr = false
	c.emit(Event{Kind: EventStatus})
}

func (c *Coordinator) recordMessage(msg session.Message) {
	if c.journal != nil {
		c.journal.RecordMessage(c.sess.ID, msg)
	}
}

func (c *Coordinator) countTurn(role session.Role) {
	if c.turns != nil {
		c.turns.Add(c.ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
	}
}

func (c *Coordinator) emit(ev Event) {
	if ev.Kind != EventStateChanged {
		ev.State = c.state
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
