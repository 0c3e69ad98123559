package connection

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Err and Response before the delivery resolved.
var ErrPending = errors.New("delivery still pending")

// Delivery tracks one message from enqueue to its final outcome. It resolves
// exactly once: with nil on delivery (or on the correlated response when one
// was requested), or with a taxonomy error.
type Delivery struct {
	id string

	mu       sync.Mutex
	canceler func()

	once     sync.Once
	err      error
	response []byte
	done     chan struct{}
}

func newDelivery(id string) *Delivery {
	return &Delivery{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID is the message id, usable for correlation and cancellation.
func (d *Delivery) ID() string {
	return d.id
}

// Done is closed once the delivery resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err reports the outcome. It returns ErrPending until Done is closed, nil
// on success, and the terminal taxonomy error otherwise.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return ErrPending
	}
}

// Response is the correlated payload for an ExpectResponse message. It is
// nil for fire-and-forget messages and before resolution.
func (d *Delivery) Response() []byte {
	select {
	case <-d.done:
		return d.response
	default:
		return nil
	}
}

// Await blocks until the delivery resolves or ctx ends.
func (d *Delivery) Await(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel withdraws the message. A queued message is removed; one already on
// the wire may still reach the peer, but its resolution becomes a no-op.
// Safe to call at any time, including after resolution.
func (d *Delivery) Cancel() {
	d.mu.Lock()
	cancel := d.canceler
	d.mu.Unlock()

	if cancel != nil {
		cancel()

		return
	}

	d.resolve(nil, newError(CodeCanceled, "cancel"))
}

func (d *Delivery) setCanceler(fn func()) {
	d.mu.Lock()
	d.canceler = fn
	d.mu.Unlock()
}

// resolve records the outcome. Only the first call wins; the fields are
// written before done closes, so any reader that observed Done sees them.
func (d *Delivery) resolve(response []byte, err error) bool {
	won := false

	d.once.Do(func() {
		d.response = response
		d.err = err
		close(d.done)
		won = true
	})

	return won
}

// resolved reports whether the delivery already has an outcome.
func (d *Delivery) resolved() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
