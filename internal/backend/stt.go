package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Prosper/internal/capture"
)

const (
	// DefaultSTTURL is the Cartesia streaming transcription endpoint
	DefaultSTTURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
	sttSampleRate   = 16000
)

// AudioSource produces 16 kHz mono PCM s16le frames until ctx is cancelled.
type AudioSource interface {
	Stream(ctx context.Context) (<-chan []byte, error)
}

// STTOptions configures a StreamingRecognizer
type STTOptions struct {
	URL    string
	APIKey string
	Model  string
	Logger *slog.Logger
}

// StreamingRecognizer transcribes microphone audio over a websocket.
// It holds at most one live utterance.
type StreamingRecognizer struct {
	opts   STTOptions
	source AudioSource
	logger *slog.Logger

	mu  sync.Mutex
	cur *sttSession
}

type sttSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	once    sync.Once
}

// sttMessage is a server message
type sttMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewStreamingRecognizer returns a recognizer fed by source
func NewStreamingRecognizer(source AudioSource, opts STTOptions) *StreamingRecognizer {
	if opts.URL == "" {
		opts.URL = DefaultSTTURL
	}
	if opts.Model == "" {
		opts.Model = "ink-whisper"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingRecognizer{opts: opts, source: source, logger: logger}
}

// Start implements capture.Recognizer
func (r *StreamingRecognizer) Start(ctx context.Context, lang string) (<-chan capture.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return nil, capture.ErrAlreadyCapturing
	}

	u, err := r.dialURL(lang)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("X-API-Key", r.opts.APIKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, string(body), err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	frames, err := r.source.Stream(ctx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open audio source: %w", err)
	}

	s := &sttSession{conn: conn, cancel: cancel}
	r.cur = s
	events := make(chan capture.Event, 64)

	go r.writeLoop(ctx, s, frames)
	go r.readLoop(ctx, s, events)
	context.AfterFunc(ctx, func() { r.release(s) })

	r.logger.Debug("stt session opened", "lang", lang)
	return events, nil
}

// Stop asks the service to flush and closes the session
func (r *StreamingRecognizer) Stop() error {
	r.mu.Lock()
	s := r.cur
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.send(websocket.TextMessage, []byte("done"))
	r.release(s)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to send done: %w", err)
	}
	return nil
}

func (r *StreamingRecognizer) dialURL(lang string) (string, error) {
	u, err := url.Parse(r.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket URL: %w", err)
	}
	// The service takes a bare language, so en-GB becomes en.
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		lang = "en"
	}
	q := u.Query()
	q.Set("model", r.opts.Model)
	q.Set("language", strings.ToLower(lang))
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(sttSampleRate))
	q.Set("min_volume", "0.01")
	q.Set("api_key", r.opts.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *StreamingRecognizer) release(s *sttSession) {
	s.once.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()

		r.mu.Lock()
		if r.cur == s {
			r.cur = nil
		}
		r.mu.Unlock()
	})
}

func (s *sttSession) send(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(kind, data)
}

func (r *StreamingRecognizer) writeLoop(ctx context.Context, s *sttSession, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				_ = s.send(websocket.TextMessage, []byte("finalize"))
				return
			}
			if err := s.send(websocket.BinaryMessage, frame); err != nil {
				r.logger.Debug("stt audio write failed", "error", err)
				return
			}
		}
	}
}

func (r *StreamingRecognizer) readLoop(ctx context.Context, s *sttSession, events chan<- capture.Event) {
	defer close(events)
	defer r.release(s)

	emit := func(ev capture.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				emit(capture.Event{Kind: capture.EventEnd})
				return
			}
			emit(capture.Event{Kind: capture.EventError, Code: "network", Err: err})
			return
		}

		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Debug("ignoring malformed stt message", "error", err)
			continue
		}

		switch msg.Type {
		case "transcript":
			if !emit(capture.Event{Kind: capture.EventResult, Text: msg.Text, IsFinal: msg.IsFinal}) {
				return
			}
		case "done":
			emit(capture.Event{Kind: capture.EventEnd})
			return
		case "error":
			text := msg.Error
			if text == "" {
				text = msg.Message
			}
			emit(capture.Event{Kind: capture.EventError, Code: "service", Err: errors.New(text)})
			return
		case "flush_done":
		}
	}
}
