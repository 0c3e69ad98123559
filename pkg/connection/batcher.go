package connection

import (
	"time"

	"golang.org/x/time/rate"
)

// batcher decides when the queue's ready messages are worth a frame. A
// flush fires when the batch is full by count or bytes, or when the oldest
// ready message has waited MaxWait. An optional rate limiter spaces flushes
// out without ever dropping one.
//
// Only the connection's run loop touches a batcher, so it carries no lock.
type batcher struct {
	cfg     BatchConfig
	limiter *rate.Limiter
	pending *rate.Reservation
	nowFn   func() time.Time
}

func newBatcher(cfg BatchConfig) *batcher {
	b := &batcher{
		cfg:   cfg,
		nowFn: time.Now,
	}

	if cfg.FlushPerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.FlushPerSec), cfg.FlushBurst)
	}

	return b
}

// sizeReady reports whether queued traffic alone justifies a flush.
func (b *batcher) sizeReady(q *messageQueue) bool {
	count, bytes := q.depth()

	return count >= b.cfg.MaxSize || bytes >= b.cfg.MaxBytes
}

// due reports whether anything is ready and either size or age demands a
// flush now.
func (b *batcher) due(q *messageQueue) bool {
	count, bytes := q.depth()
	if count == 0 {
		return false
	}

	if count >= b.cfg.MaxSize || bytes >= b.cfg.MaxBytes {
		return true
	}

	oldest, ok := q.oldestReady()
	if !ok {
		return false
	}

	return !b.nowFn().Before(oldest.Add(b.cfg.MaxWait))
}

// nextDeadline is when the age trigger will fire for the current queue
// contents. ok is false when nothing is queued.
func (b *batcher) nextDeadline(q *messageQueue) (time.Time, bool) {
	oldest, ok := q.oldestReady()
	if !ok {
		return time.Time{}, false
	}

	return oldest.Add(b.cfg.MaxWait), true
}

// reserveDelay asks the limiter for the next flush slot. Zero means flush
// now; a positive delay tells the caller how long to hold off. The
// reservation is kept across calls so repeated polling does not burn
// tokens.
func (b *batcher) reserveDelay() time.Duration {
	if b.limiter == nil {
		return 0
	}

	if b.pending == nil {
		b.pending = b.limiter.Reserve()
	}

	d := b.pending.DelayFrom(b.nowFn())
	if d <= 0 {
		b.pending = nil

		return 0
	}

	return d
}

// take pops the next batch within the configured bounds.
func (b *batcher) take(q *messageQueue) []*message {
	return q.dequeueBatch(b.cfg.MaxSize, b.cfg.MaxBytes)
}
