package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/relink/pkg/health"
)

// StatusEvent reports one state transition.
type StatusEvent struct {
	ConnectionID string    `json:"connection_id"`
	Identity     Identity  `json:"identity"`
	Previous     State     `json:"previous"`
	Current      State     `json:"current"`
	Err          error     `json:"-"`
	At           time.Time `json:"at"`
}

// MessageEvent carries one inbound frame that was not a correlated
// response.
type MessageEvent struct {
	ConnectionID string    `json:"connection_id"`
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
}

// HealthEvent carries a fresh health snapshot after something moved it.
type HealthEvent struct {
	ConnectionID string          `json:"connection_id"`
	Snapshot     health.Snapshot `json:"snapshot"`
}

// Subscription detaches a handler when canceled.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// eventHub fans events out to registered handlers from a single dispatch
// goroutine, so handlers never run concurrently with each other and never
// block the connection's run loop. When the buffer is full events are
// dropped, not queued unboundedly.
type eventHub struct {
	logger  *zap.Logger
	forward *eventHub

	mu          sync.RWMutex
	nextID      uint64
	statusSubs  map[uint64]func(StatusEvent)
	messageSubs map[uint64]func(MessageEvent)
	healthSubs  map[uint64]func(HealthEvent)

	events    chan any
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// newEventHub starts a hub. Events published here are also forwarded to the
// optional parent hub, which is how per-connection events reach
// manager-wide subscribers.
func newEventHub(buffer int, logger *zap.Logger, forward *eventHub) *eventHub {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	h := &eventHub{
		logger:      logger,
		forward:     forward,
		statusSubs:  make(map[uint64]func(StatusEvent)),
		messageSubs: make(map[uint64]func(MessageEvent)),
		healthSubs:  make(map[uint64]func(HealthEvent)),
		events:      make(chan any, buffer),
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
	}

	go h.dispatch()

	return h
}

func (h *eventHub) OnStatus(fn func(StatusEvent)) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.statusSubs[id] = fn
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.statusSubs, id)
		h.mu.Unlock()
	}}
}

func (h *eventHub) OnMessage(fn func(MessageEvent)) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.messageSubs[id] = fn
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.messageSubs, id)
		h.mu.Unlock()
	}}
}

func (h *eventHub) OnHealth(fn func(HealthEvent)) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.healthSubs[id] = fn
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.healthSubs, id)
		h.mu.Unlock()
	}}
}

func (h *eventHub) publishStatus(ev StatusEvent) {
	h.publish(ev)
}

func (h *eventHub) publishMessage(ev MessageEvent) {
	h.publish(ev)
}

func (h *eventHub) publishHealth(ev HealthEvent) {
	h.publish(ev)
}

func (h *eventHub) publish(ev any) {
	select {
	case h.events <- ev:
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("Event buffer full, dropping event",
			zap.Uint64("total_dropped", n))
	}

	if h.forward != nil {
		h.forward.publish(ev)
	}
}

func (h *eventHub) dispatch() {
	defer close(h.drained)

	for {
		select {
		case ev := <-h.events:
			h.deliver(ev)
		case <-h.done:
			// Drain what was published before close.
			for {
				select {
				case ev := <-h.events:
					h.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver snapshots the handler set before calling out, so a handler may
// cancel its own subscription without deadlocking.
func (h *eventHub) deliver(ev any) {
	switch ev := ev.(type) {
	case StatusEvent:
		h.mu.RLock()
		fns := make([]func(StatusEvent), 0, len(h.statusSubs))

		for _, fn := range h.statusSubs {
			fns = append(fns, fn)
		}
		h.mu.RUnlock()

		for _, fn := range fns {
			fn(ev)
		}
	case MessageEvent:
		h.mu.RLock()
		fns := make([]func(MessageEvent), 0, len(h.messageSubs))

		for _, fn := range h.messageSubs {
			fns = append(fns, fn)
		}
		h.mu.RUnlock()

		for _, fn := range fns {
			fn(ev)
		}
	case HealthEvent:
		h.mu.RLock()
		fns := make([]func(HealthEvent), 0, len(h.healthSubs))

		for _, fn := range h.healthSubs {
			fns = append(fns, fn)
		}
		h.mu.RUnlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// close stops the dispatcher after it drains already-published events and
// waits for the last handler to return.
func (h *eventHub) close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})

	<-h.drained
}

// Dropped is the number of events lost to a full buffer.
func (h *eventHub) Dropped() uint64 {
	return h.dropped.Load()
}
