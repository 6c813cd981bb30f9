// Package exercise runs the countdown of a timed speaking exercise.
package exercise

import (
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"Prosper/internal/session"
)

// TickInterval is the countdown resolution.
const TickInterval = time.Second

var (
	// ErrTimerBusy is returned when arming or starting while a timer is armed or running.
	ErrTimerBusy = errors.New("timer busy")
	// ErrNotArmed is returned when starting or cancelling without an armed timer.
	ErrNotArmed = errors.New("timer not armed")
	// ErrInvalidDuration is returned for a non-positive duration.
	ErrInvalidDuration = errors.New("invalid timer duration")
)

// Callbacks receive controller events on the owning event loop
type Callbacks struct {
	OnReady  func(prompt string)
	OnTick   func(remaining int)
	OnExpire func()
}

// Controller owns at most one Timer.
// All methods must be called from the event loop that post feeds.
type Controller struct {
	clock  clock.WithTicker
	post   func(func()) bool
	logger *slog.Logger
	cb     Callbacks

	timer *session.Timer
	gen   uint64
	stop  chan struct{}
}

// New creates an exercise controller
func New(clk clock.WithTicker, post func(func()) bool, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		clock:  clk,
		post:   post,
		logger: logger.With("component", "exercise"),
	}
}

// SetCallbacks replaces the event callbacks
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// Timer returns a copy of the current timer, or nil when there is none.
func (c *Controller) Timer() *session.Timer {
	if c.timer == nil {
		return nil
	}
	t := *c.timer
	return &t
}

// Arm creates an Armed timer. An expired timer is replaced.
func (c *Controller) Arm(durationSeconds int, prompt string) error {
	if durationSeconds <= 0 {
		return ErrInvalidDuration
	}
	if c.timer != nil && c.timer.State != session.TimerExpired {
		return ErrTimerBusy
	}
	c.gen++
	c.timer = &session.Timer{
		DurationSeconds:  durationSeconds,
		RemainingSeconds: durationSeconds,
		State:            session.TimerArmed,
		Prompt:           prompt,
	}
	c.logger.Info("exercise armed", "duration_seconds", durationSeconds)
	if c.cb.OnReady != nil {
		c.cb.OnReady(prompt)
	}
	return nil
}

// Start begins the countdown of an Armed timer.
func (c *Controller) Start() error {
	if c.timer == nil || c.timer.State == session.TimerExpired {
		return ErrNotArmed
	}
	if c.timer.State == session.TimerRunning {
		return ErrTimerBusy
	}
	c.timer.State = session.TimerRunning
	c.gen++
	c.stop = make(chan struct{})

	ticker := c.clock.NewTicker(TickInterval)
	go c.tickLoop(c.gen, ticker, c.stop)

	c.logger.Info("exercise started", "duration_seconds", c.timer.DurationSeconds)
	return nil
}

// Cancel discards an Armed or Running timer without emitting OnExpire.
func (c *Controller) Cancel() error {
	if c.timer == nil || c.timer.State == session.TimerExpired {
		return ErrNotArmed
	}
	c.Discard()
	c.logger.Info("exercise cancelled")
	return nil
}

// Discard drops the timer in any state without emitting OnExpire.
func (c *Controller) Discard() {
	c.halt()
	c.timer = nil
}

func (c *Controller) halt() {
	c.gen++
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Controller) tickLoop(gen uint64, ticker clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if !c.post(func() { c.tick(gen) }) {
				return
			}
		}
	}
}

func (c *Controller) tick(gen uint64) {
	if gen != c.gen || c.timer == nil || c.timer.State != session.TimerRunning {
		return
	}
	c.timer.RemainingSeconds--
	remaining := c.timer.RemainingSeconds
	if c.cb.OnTick != nil {
		c.cb.OnTick(remaining)
	}
	if remaining > 0 {
		return
	}

	c.halt()
	c.timer.State = session.TimerExpired
	c.logger.Info("exercise expired")
	if c.cb.OnExpire != nil {
		c.cb.OnExpire()
	}
}
