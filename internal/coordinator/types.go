package coordinator

import (
	"errors"
	"fmt"
	"time"

	"Prosper/internal/capture"
	"Prosper/internal/session"
)

// State is the turn-taking state of a session
type State int

const (
	StateIdle State = iota
	StateUserTurn
	StateAssistantTurn
	StateToolPending
	StatePitchActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserTurn:
		return "user_turn"
	case StateAssistantTurn:
		return "assistant_turn"
	case StateToolPending:
		return "tool_pending"
	case StatePitchActive:
		return "pitch_active"
	default:
		return "unknown"
	}
}

func (s State) owner() session.Owner {
	switch s {
	case StateUserTurn, StatePitchActive:
		return session.OwnerUser
	case StateAssistantTurn:
		return session.OwnerAssistant
	default:
		return session.OwnerNone
	}
}

var (
	// ErrTurnViolation matches every TurnError.
	ErrTurnViolation = errors.New("turn violation")
	// ErrAlreadyCapturing is returned when capture is requested while listening.
	ErrAlreadyCapturing = capture.ErrAlreadyCapturing
	// ErrEmptyMessage is returned for blank input or a message with nothing to speak.
	ErrEmptyMessage = errors.New("empty message")
	// ErrUnknownMessage is returned when a message id does not name an assistant message.
	ErrUnknownMessage = errors.New("unknown message")
)

// TurnError reports an operation that is not allowed in the current state.
// Err optionally names a more specific sentinel.
type TurnError struct {
	Op    string
	State State
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *TurnError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTurnViolation, e.Err}
	}
	return []error{ErrTurnViolation}
}

// EventKind tags an Event
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMessageAppended
	EventMessageDelta
	EventMessageFinalized
	EventTranscript
	EventTimerReady
	EventTimerTick
	EventTimerExpired
	EventTimerCancelled
	EventPlaybackStarted
	EventPlaybackProgress
	EventPlaybackPaused
	EventPlaybackEnded
	EventStatus
	EventSessionStarted
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventMessageAppended:
		return "message_appended"
	case EventMessageDelta:
		return "message_delta"
	case EventMessageFinalized:
		return "message_finalized"
	case EventTranscript:
		return "transcript"
	case EventTimerReady:
		return "timer_ready"
	case EventTimerTick:
		return "timer_tick"
	case EventTimerExpired:
		return "timer_expired"
	case EventTimerCancelled:
		return "timer_cancelled"
	case EventPlaybackStarted:
		return "playback_started"
	case EventPlaybackProgress:
		return "playback_progress"
	case EventPlaybackPaused:
		return "playback_paused"
	case EventPlaybackEnded:
		return "playback_ended"
	case EventStatus:
		return "status"
	case EventSessionStarted:
		return "session_started"
	default:
		return "unknown"
	}
}

// Event notifies the rendering side of a change. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	State     State
	MessageID string
	Role      session.Role
	Text      string
	Remaining int
	Progress  float64
	// Err is set on error statuses and on playback ended by a failure.
	Err error
}

// MessageView is a message prepared for display
type MessageView struct {
	session.Message
	Bubbles []string
}

// Snapshot is a read-only copy of the coordinator state
type Snapshot struct {
	SessionID      string
	Variant        string
	Backend        string
	StartTime      time.Time
	Elapsed        time.Duration
	State          State
	TurnOwner      session.Owner
	Greeting       string
	Messages       []MessageView
	Timer          *session.Timer
	Transcript     capture.TranscriptBuffer
	Listening      bool
	PendingAudioID string
	PlayingID      string
	Status         string
	StatusIsError  bool
	Degraded       bool
}
