// Package playback synthesizes assistant messages at most once and plays them.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/utils/clock"

	"Prosper/internal/cache"
)

// DefaultProgressInterval is how often OnProgress fires while audio plays.
const DefaultProgressInterval = 250 * time.Millisecond

// ErrSynthesis wraps every failed synthesis.
var ErrSynthesis = errors.New("speech synthesis failed")

// Voice selects the synthesized voice
type Voice struct {
	ID           string  `yaml:"id"`
	LanguageCode string  `yaml:"language_code"`
	SpeakingRate float64 `yaml:"speaking_rate"`
	Pitch        float64 `yaml:"pitch"`
}

// DefaultVoice is the British voice used by the call variant
func DefaultVoice() Voice {
	return Voice{
		ID:           "en-GB-Chirp3-HD-Sulafat",
		LanguageCode: "en-GB",
		SpeakingRate: 1,
		Pitch:        0,
	}
}

// Synthesizer turns text into encoded audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}

// Track is a loaded, playable piece of audio
type Track interface {
	// Play resumes the track, restarting it once finished.
	Play()
	Pause()
	Playing() bool
	// Progress returns the played fraction in [0, 1].
	Progress() float64
	Finished() bool
	Close() error
}

// Player decodes audio into tracks
type Player interface {
	Load(audio []byte) (Track, error)
}

// Callbacks receive controller events on the owning event loop
type Callbacks struct {
	OnStart    func(messageID string)
	OnProgress func(messageID string, fraction float64)
	OnPause    func(messageID string)
	OnEnded    func(messageID string)
	OnError    func(messageID string, err error)
}

// Options configures a Controller
type Options struct {
	Clock            clock.WithTicker
	ProgressInterval time.Duration
	Cache            *cache.AudioCache
	Meter            metric.Meter
	Logger           *slog.Logger
}

// Controller owns the synthesized tracks of one session.
// All methods must be called from the event loop that post feeds.
type Controller struct {
	synth    Synthesizer
	player   Player
	post     func(func()) bool
	clock    clock.WithTicker
	interval time.Duration
	cache    *cache.AudioCache
	logger   *slog.Logger
	cb       Callbacks
	requests metric.Int64Counter

	handles map[string]Track

	pendingID     string
	pendingCancel context.CancelFunc
	seq           uint64

	current      string
	progressSeq  uint64
	progressStop chan struct{}
}

// New creates a playback controller
func New(synth Synthesizer, player Player, post func(func()) bool, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("prosper")
	}
	c := &Controller{
		synth:    synth,
		player:   player,
		post:     post,
		clock:    opts.Clock,
		interval: opts.ProgressInterval,
		cache:    opts.Cache,
		logger:   opts.Logger.With("component", "playback"),
		handles:  make(map[string]Track),
	}
	requests, err := opts.Meter.Int64Counter("prosper.synthesis.requests",
		metric.WithDescription("Number of speech synthesis requests"))
	if err != nil {
		c.logger.Warn("failed to create synthesis counter", "error", err)
	}
	c.requests = requests
	return c
}

// SetCallbacks replaces the event callbacks
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// PendingID returns the message id whose synthesis is in flight, if any
func (c *Controller) PendingID() string {
	return c.pendingID
}

// Cached reports whether audio for messageID is loaded
func (c *Controller) Cached(messageID string) bool {
	_, ok := c.handles[messageID]
	return ok
}

// PlayingID returns the message id of the track currently playing
func (c *Controller) PlayingID() string {
	if c.current == "" {
		return ""
	}
	if h, ok := c.handles[c.current]; ok && h.Playing() {
		return c.current
	}
	return ""
}

// Play toggles playback of a cached message, or synthesizes it once.
func (c *Controller) Play(messageID, text string, voice Voice) {
	if h, ok := c.handles[messageID]; ok {
		c.toggle(messageID, h)
		return
	}
	if c.pendingID == messageID {
		c.logger.Debug("synthesis already pending", "message_id", messageID)
		return
	}
	if c.pendingID != "" {
		c.logger.Info("replacing pending synthesis", "old", c.pendingID, "new", messageID)
		c.cancelPending()
	}

	c.seq++
	ctx, cancel := context.WithCancel(context.Background())
	c.pendingID = messageID
	c.pendingCancel = cancel
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", voice.ID)))
	}
	go c.synthesize(ctx, c.seq, messageID, text, voice)
}

// Pause pauses whatever is playing.
func (c *Controller) Pause() {
	if c.current == "" {
		return
	}
	h, ok := c.handles[c.current]
	if !ok || !h.Playing() {
		return
	}
	h.Pause()
	c.stopProgress()
	c.logger.Debug("playback paused", "message_id", c.current)
	if c.cb.OnPause != nil {
		c.cb.OnPause(c.current)
	}
}

// Silence pauses playback and drops any synthesis in flight so nothing starts
// speaking later. Loaded tracks are kept for replay.
func (c *Controller) Silence() {
	if c.pendingID != "" {
		c.logger.Debug("cancelling pending synthesis", "message_id", c.pendingID)
		c.cancelPending()
	}
	c.Pause()
}

// Reset cancels pending synthesis and releases every track.
func (c *Controller) Reset() {
	c.cancelPending()
	c.stopProgress()
	for id, h := range c.handles {
		h.Pause()
		if err := h.Close(); err != nil {
			c.logger.Warn("failed to close track", "message_id", id, "error", err)
		}
	}
	c.handles = make(map[string]Track)
	c.current = ""
}

func (c *Controller) cancelPending() {
	if c.pendingID == "" {
		return
	}
	c.seq++
	c.pendingCancel()
	c.pendingCancel = nil
	c.pendingID = ""
}

func (c *Controller) synthesize(ctx context.Context, seq uint64, messageID, text string, voice Voice) {
	key := cache.GenerateCacheKey(text, voice.ID, voice.LanguageCode,
		strconv.FormatFloat(voice.SpeakingRate, 'f', -1, 64),
		strconv.FormatFloat(voice.Pitch, 'f', -1, 64))

	var audio []byte
	var err error
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			audio = cached
		}
	}
	if audio == nil {
		audio, err = c.synth.Synthesize(ctx, text, voice)
		if err == nil && c.cache != nil {
			c.cache.Put(key, audio)
		}
	}
	if ctx.Err() != nil {
		return
	}

	var track Track
	if err == nil {
		track, err = c.player.Load(audio)
		if err != nil {
			err = fmt.Errorf("failed to load audio: %w", err)
		}
	}
	if err != nil && !errors.Is(err, ErrSynthesis) {
		err = fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	if !c.post(func() { c.synthesized(seq, messageID, track, err) }) && track != nil {
		track.Close()
	}
}

func (c *Controller) synthesized(seq uint64, messageID string, track Track, err error) {
	if seq != c.seq || c.pendingID != messageID {
		c.logger.Debug("dropping stale synthesis result", "message_id", messageID)
		if track != nil {
			track.Close()
		}
		return
	}
	c.pendingID = ""
	c.pendingCancel()
	c.pendingCancel = nil

	if err != nil {
		c.logger.Warn("speech synthesis failed", "message_id", messageID, "error", err)
		if c.cb.OnError != nil {
			c.cb.OnError(messageID, err)
		}
		return
	}
	c.handles[messageID] = track
	c.start(messageID, track)
}

func (c *Controller) toggle(messageID string, h Track) {
	if h.Playing() {
		h.Pause()
		c.stopProgress()
		if c.cb.OnPause != nil {
			c.cb.OnPause(messageID)
		}
		return
	}
	c.start(messageID, h)
}

func (c *Controller) start(messageID string, h Track) {
	if c.current != "" && c.current != messageID {
		c.Pause()
	}
	c.current = messageID
	h.Play()
	c.startProgress(messageID)
	c.logger.Debug("playback started", "message_id", messageID)
	if c.cb.OnStart != nil {
		c.cb.OnStart(messageID)
	}
}

func (c *Controller) startProgress(messageID string) {
	c.stopProgress()
	c.progressSeq++
	stop := make(chan struct{})
	c.progressStop = stop
	ticker := c.clock.NewTicker(c.interval)
	seq := c.progressSeq
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				if !c.post(func() { c.progress(seq, messageID) }) {
					return
				}
			}
		}
	}()
}

func (c *Controller) stopProgress() {
	c.progressSeq++
	if c.progressStop != nil {
		close(c.progressStop)
		c.progressStop = nil
	}
}

func (c *Controller) progress(seq uint64, messageID string) {
	if seq != c.progressSeq {
		return
	}
	h, ok := c.handles[messageID]
	if !ok {
		c.stopProgress()
		return
	}
	if h.Finished() {
		c.stopProgress()
		if c.cb.OnProgress != nil {
			c.cb.OnProgress(messageID, 1)
		}
		c.logger.Debug("playback ended", "message_id", messageID)
		if c.cb.OnEnded != nil {
			c.cb.OnEnded(messageID)
		}
		return
	}
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(messageID, h.Progress())
	}
}
