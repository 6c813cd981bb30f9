// Package eventloop runs closures one at a time on a single goroutine.
//
// Controllers never touch their state from producer goroutines (recognizer
// subscriptions, stream readers, timers). Producers Post a closure instead, and
// the loop applies it in arrival order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Do once the loop has stopped.
var ErrClosed = errors.New("event loop closed")

// Loop serializes work onto one goroutine
type Loop struct {
	inbox  chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a loop with the given inbox capacity.
func New(size int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	return &Loop{
		inbox:  make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues fn for execution. It reports false if the loop has stopped.
// Post must not be called from inside the loop while the inbox is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrClosed
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run executes posted closures until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.inbox:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
