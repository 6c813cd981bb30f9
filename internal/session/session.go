package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotStreaming is returned when mutating a message that is already finalized.
	ErrNotStreaming = errors.New("message is not streaming")
	// ErrUnknownMessage is returned when a message id is not in the session.
	ErrUnknownMessage = errors.New("unknown message")
)

// Owner is the side currently holding the turn
type Owner int

const (
	OwnerNone Owner = iota
	OwnerUser
	OwnerAssistant
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerUser:
		return "user"
	case OwnerAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// TimerState is the lifecycle position of an exercise timer
type TimerState int

const (
	TimerArmed TimerState = iota
	TimerRunning
	TimerExpired
)

func (s TimerState) String() string {
	switch s {
	case TimerArmed:
		return "armed"
	case TimerRunning:
		return "running"
	case TimerExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Timer is the countdown of a timed exercise
type Timer struct {
	DurationSeconds  int        `json:"duration_seconds"`
	RemainingSeconds int        `json:"remaining_seconds"`
	State            TimerState `json:"state"`
	Prompt           string     `json:"prompt,omitempty"`
}

// Session represents a chat session.
// It is owned by a single goroutine and is not safe for concurrent use.
type Session struct {
	ID                    string    `json:"id"`
	Variant               string    `json:"variant"`
	StartTime             time.Time `json:"start_time"`
	TurnOwner             Owner     `json:"turn_owner"`
	ActiveTimer           *Timer    `json:"active_timer,omitempty"`
	PendingAudioRequestID string    `json:"pending_audio_request_id,omitempty"`

	messages []Message
	index    map[string]int
	nextSeq  uint64
}

// New creates an empty session for the given variant.
func New(variant string, now time.Time) *Session {
	return &Session{
		ID:        "session_" + uuid.NewString(),
		Variant:   variant,
		StartTime: now,
		index:     make(map[string]int),
	}
}

// Append adds a finalized message and returns its id.
func (s *Session) Append(role Role, now time.Time, parts ...Part) Message {
	return s.append(role, now, false, parts)
}

// AppendStreaming adds an assistant message that may be extended until Finalize.
func (s *Session) AppendStreaming(now time.Time) Message {
	return s.append(RoleAssistant, now, true, nil)
}

func (s *Session) append(role Role, now time.Time, streaming bool, parts []Part) Message {
	s.nextSeq++
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     append([]Part(nil), parts...),
		Seq:       s.nextSeq,
		Timestamp: now,
		Streaming: streaming,
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg.clone()
}

// SetDisplay sets the rendering override of a message.
func (s *Session) SetDisplay(id, display string) error {
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	s.messages[i].Display = display
	return nil
}

// AppendText extends the trailing text part of a streaming message.
func (s *Session) AppendText(id, chunk string) error {
	m, err := s.streaming(id)
	if err != nil {
		return err
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Kind == PartText {
		m.Parts[n-1].Text += chunk
		return nil
	}
	m.Parts = append(m.Parts, TextPart(chunk))
	return nil
}

// AppendPart adds a part to a streaming message.
func (s *Session) AppendPart(id string, p Part) error {
	m, err := s.streaming(id)
	if err != nil {
		return err
	}
	m.Parts = append(m.Parts, p)
	return nil
}

// Finalize freezes a streaming message. Finalizing twice is a no-op.
func (s *Session) Finalize(id string) error {
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	s.messages[i].Streaming = false
	return nil
}

func (s *Session) streaming(id string) (*Message, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	m := &s.messages[i]
	if !m.Streaming {
		return nil, fmt.Errorf("%w: %s", ErrNotStreaming, id)
	}
	return m, nil
}

// Get returns a copy of the message with the given id.
func (s *Session) Get(id string) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i].clone(), true
}

// LastAssistant returns the most recent assistant message carrying text.
func (s *Session) LastAssistant() (Message, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == RoleAssistant && m.Text() != "" {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Len returns the number of messages.
func (s *Session) Len() int {
	return len(s.messages)
}

// Messages returns a deep copy of the transcript in turn order.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// History returns the finalized messages, skipping any streaming one and empty
// assistant messages, in the order they should be sent to the model.
func (s *Session) History() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Streaming || len(m.Parts) == 0 {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}
