// Package actor serializes all per-peer state mutations onto one logical
// goroutine. Transport callbacks, timers and user actions post closures into
// the loop's inbox and are processed in arrival order.
package actor

import (
	"context"
	"sync"
	"time"
)

// Scheduler is the contract components rely on: every fn passed to Post or
// AfterFunc runs on the actor, never concurrently with another.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running if it has not been queued yet.
	// It returns false if the timer already fired or was stopped.
	Stop() bool
}

// Loop is the production Scheduler: a buffered inbox drained by Run.
type Loop struct {
	inbox chan func()
	mu    sync.Mutex
	done  chan struct{}
	// closed is guarded by mu; posts after Run returns are dropped.
	closed bool
}

// NewLoop creates a loop with the given inbox capacity.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		inbox: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It blocks only when the inbox is full.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.inbox <- fn:
	case <-l.done:
	}
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) Now() time.Time { return time.Now() }

// Run processes the inbox until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.inbox:
			fn()
		}
	}
}

// Call posts fn and waits for it to finish. Must not be called from the loop.
func (l *Loop) Call(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
