package hwenc

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEventTimeout is returned by WaitTimeout when the event did not fire.
var ErrEventTimeout = errors.New("hwenc: completion event timed out")

// Event is a repeatable completion signal. Signal releases every current and
// future waiter until Reset.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewEvent returns an unsignalled event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Signal fires the event. Extra calls are no-ops.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
}

// Reset rearms a fired event.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// Signalled reports whether the event has fired since the last Reset.
func (e *Event) Signalled() bool {
	select {
	case <-e.done():
		return true
	default:
		return false
	}
}

func (e *Event) done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event fires or ctx ends.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the event fires or d elapses. A negative d waits
// forever.
func (e *Event) WaitTimeout(d time.Duration) error {
	if d < 0 {
		return e.Wait(context.Background())
	}
	done := e.done()
	select {
	case <-done:
		return nil
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		// select picks at random when both are ready
		select {
		case <-done:
			return nil
		default:
			return ErrEventTimeout
		}
	}
}
