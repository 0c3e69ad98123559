package connection

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// message is one outbound payload with its scheduling metadata. The sequence
// number is assigned on first admission and survives requeues, so a retried
// message keeps its original position among peers of the same priority.
type message struct {
	id             string
	payload        []byte
	priority       Priority
	seq            uint64
	enqueuedAt     time.Time
	deadline       time.Time
	timeout        time.Duration
	expectResponse bool
	retries        int
	delivery       *Delivery

	writtenAt time.Time
	heapIdx   int
}

func (m *message) size() int {
	return len(m.payload)
}

// msgHeap orders ready messages by priority descending, then by sequence
// ascending.
type msgHeap []*message

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}

	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *msgHeap) Push(x any) {
	m := x.(*message)
	m.heapIdx = len(*h)
	*h = append(*h, m)
}

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.heapIdx = -1
	*h = old[:n-1]

	return m
}

// QueueStats is a point-in-time view of one connection's outbound queue.
type QueueStats struct {
	Depth     int    `json:"depth"`
	InFlight  int    `json:"in_flight"`
	Bytes     int    `json:"bytes"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
	Expired   uint64 `json:"expired"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
}

// messageQueue holds messages between Send and their final resolution. Ready
// messages wait in a priority heap; messages that were written and expect a
// response wait in the in-flight set. The sweep is the only place timeouts
// are decided.
type messageQueue struct {
	logger   *zap.Logger
	capacity int
	nowFn    func() time.Time

	mu         sync.Mutex
	ready      msgHeap
	index      map[string]*message
	inflight   map[string]*message
	seq        uint64
	readyBytes int
	closed     bool
	stats      QueueStats
}

func newMessageQueue(capacity int, logger *zap.Logger) *messageQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &messageQueue{
		logger:   logger,
		capacity: capacity,
		nowFn:    time.Now,
		index:    make(map[string]*message),
		inflight: make(map[string]*message),
	}
}

// enqueue admits a new message. At capacity it evicts the oldest message of
// the lowest priority below the newcomer's; if nothing qualifies the
// newcomer is rejected. In-flight messages are never eviction candidates.
func (q *messageQueue) enqueue(m *message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.stats.Rejected++

		return newError(CodeConnectionLost, "send")
	}

	if _, dup := q.index[m.id]; dup {
		q.stats.Rejected++

		return newError(CodeInvalidOptions, "send")
	}

	if _, dup := q.inflight[m.id]; dup {
		q.stats.Rejected++

		return newError(CodeInvalidOptions, "send")
	}

	if len(q.ready) >= q.capacity {
		victim := q.evictableLocked(m.priority)
		if victim == nil {
			q.stats.Rejected++

			return newError(CodeQueueFull, "send")
		}

		q.removeLocked(victim)
		q.stats.Evicted++
		victim.delivery.resolve(nil, newError(CodeQueueFull, "send"))

		q.logger.Debug("Evicted queued message for higher priority traffic",
			zap.String("evicted_id", victim.id),
			zap.String("evicted_priority", victim.priority.String()),
			zap.String("incoming_priority", m.priority.String()))
	}

	now := q.nowFn()
	q.seq++
	m.seq = q.seq
	m.enqueuedAt = now
	m.deadline = now.Add(m.timeout)

	q.pushLocked(m)
	q.stats.Enqueued++

	return nil
}

// evictableLocked finds the oldest message of the lowest priority strictly
// below p, or nil when the queue holds nothing evictable.
func (q *messageQueue) evictableLocked(p Priority) *message {
	var victim *message

	for _, m := range q.ready {
		if m.priority >= p {
			continue
		}

		if victim == nil || m.priority < victim.priority ||
			(m.priority == victim.priority && m.seq < victim.seq) {
			victim = m
		}
	}

	return victim
}

// dequeueBatch pops up to maxCount ready messages, stopping before maxBytes
// is exceeded. The first message is always taken so an oversized payload
// cannot wedge the queue. Popped messages belong to the caller until they
// are committed or requeued.
func (q *messageQueue) dequeueBatch(maxCount, maxBytes int) []*message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*message

	bytes := 0

	for len(q.ready) > 0 && len(batch) < maxCount {
		next := q.ready[0]
		if len(batch) > 0 && bytes+next.size() > maxBytes {
			break
		}

		m := heap.Pop(&q.ready).(*message)
		delete(q.index, m.id)
		q.readyBytes -= m.size()
		bytes += m.size()
		batch = append(batch, m)
	}

	return batch
}

// commit records a successful batch write. Fire-and-forget messages resolve
// immediately; response-bearing ones move to the in-flight set.
func (q *messageQueue) commit(batch []*message) {
	now := q.nowFn()

	q.mu.Lock()

	var resolved []*message

	for _, m := range batch {
		m.writtenAt = now

		if m.expectResponse {
			q.inflight[m.id] = m
		} else {
			q.stats.Delivered++
			resolved = append(resolved, m)
		}
	}

	q.mu.Unlock()

	for _, m := range resolved {
		m.delivery.resolve(nil, nil)
	}
}

// resolveResponse matches an inbound frame against the in-flight set. It
// returns the write-to-response latency when the id matched a pending
// message.
func (q *messageQueue) resolveResponse(id string, payload []byte) (time.Duration, bool) {
	q.mu.Lock()

	m, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()

		return 0, false
	}

	delete(q.inflight, id)
	q.stats.Delivered++
	rtt := q.nowFn().Sub(m.writtenAt)

	q.mu.Unlock()

	m.delivery.resolve(payload, nil)

	return rtt, true
}

// requeueFailed returns a batch to the queue after a failed write. Each
// message loses one retry; those with none left resolve with the write
// error as cause. Requeued messages keep their sequence number, so the
// original order within a priority is preserved, and bypass the capacity
// check since they were already admitted once.
func (q *messageQueue) requeueFailed(batch []*message, cause error) (requeued, failed int) {
	q.mu.Lock()

	now := q.nowFn()

	var dead []*message

	for _, m := range batch {
		if m.delivery.resolved() {
			continue
		}

		if m.retries > 0 {
			m.retries--
			m.deadline = now.Add(m.timeout)
			q.pushLocked(m)
			q.stats.Retried++
			requeued++
		} else {
			q.stats.Failed++
			dead = append(dead, m)
			failed++
		}
	}

	q.mu.Unlock()

	for _, m := range dead {
		m.delivery.resolve(nil, newError(CodeSocketError, "send").WithCause(cause))
	}

	if requeued > 0 || failed > 0 {
		q.logger.Warn("Batch write failed",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed),
			zap.Error(cause))
	}

	return requeued, failed
}

// sweep expires messages whose deadline passed, both queued and in-flight.
// A message with retries left gets a fresh deadline and, if it was in
// flight, returns to the queue for another write. One with none resolves
// with a timeout.
func (q *messageQueue) sweep(now time.Time) (requeued, expired int) {
	q.mu.Lock()

	var dead []*message

	// Collect before mutating: removals reshuffle the heap under the scan.
	var expiredReady []*message

	for _, m := range q.ready {
		if m.deadline.Before(now) {
			expiredReady = append(expiredReady, m)
		}
	}

	// A queued message that expires either consumes a retry in place or
	// leaves the queue for good.
	for _, m := range expiredReady {
		if m.retries > 0 {
			m.retries--
			m.deadline = now.Add(m.timeout)
			q.stats.Retried++
			requeued++

			continue
		}

		q.removeLocked(m)
		q.stats.Expired++
		dead = append(dead, m)
	}

	for id, m := range q.inflight {
		if !m.deadline.Before(now) {
			continue
		}

		delete(q.inflight, id)

		if m.delivery.resolved() {
			continue
		}

		if m.retries > 0 {
			m.retries--
			m.deadline = now.Add(m.timeout)
			q.pushLocked(m)
			q.stats.Retried++
			requeued++
		} else {
			q.stats.Expired++
			dead = append(dead, m)
		}
	}

	q.mu.Unlock()

	for _, m := range dead {
		m.delivery.resolve(nil, newError(CodeTimeout, "send"))
	}

	expired = len(dead)

	if requeued > 0 || expired > 0 {
		q.logger.Debug("Timeout sweep",
			zap.Int("requeued", requeued),
			zap.Int("expired", expired))
	}

	return requeued, expired
}

// failBatch resolves a checked-out batch with a terminal error. Used when
// the batch itself is unusable and a retry cannot change the outcome.
func (q *messageQueue) failBatch(batch []*message, err error) {
	q.mu.Lock()
	q.stats.Failed += uint64(len(batch))
	q.mu.Unlock()

	for _, m := range batch {
		m.delivery.resolve(nil, err)
	}
}

// cancel withdraws a message by id. Queued messages leave the queue;
// in-flight ones stay registered so a late response is swallowed instead of
// surfacing as an unsolicited message, but their resolution is decided now.
func (q *messageQueue) cancel(id string) bool {
	q.mu.Lock()

	m, queued := q.index[id]
	if queued {
		q.removeLocked(m)
	} else if m = q.inflight[id]; m == nil {
		q.mu.Unlock()

		return false
	}

	q.stats.Canceled++

	q.mu.Unlock()

	m.delivery.resolve(nil, newError(CodeCanceled, "cancel"))

	return true
}

// failAll resolves everything still pending and closes the queue against
// further enqueues. Called exactly once, when the connection goes terminal.
func (q *messageQueue) failAll(mk func(id string) error) int {
	q.mu.Lock()

	q.closed = true

	pending := make([]*message, 0, len(q.ready)+len(q.inflight))

	for _, m := range q.ready {
		if !m.delivery.resolved() {
			pending = append(pending, m)
		}
	}

	for _, m := range q.inflight {
		if !m.delivery.resolved() {
			pending = append(pending, m)
		}
	}

	q.ready = nil
	q.readyBytes = 0
	q.index = make(map[string]*message)
	q.inflight = make(map[string]*message)
	q.stats.Failed += uint64(len(pending))

	q.mu.Unlock()

	n := 0

	for _, m := range pending {
		if m.delivery.resolve(nil, mk(m.id)) {
			n++
		}
	}

	return n
}

// depth reports ready count and bytes for flush decisions.
func (q *messageQueue) depth() (count, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready), q.readyBytes
}

// oldestReady returns the original enqueue time of the longest-waiting
// ready message.
func (q *messageQueue) oldestReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return time.Time{}, false
	}

	oldest := q.ready[0].enqueuedAt

	for _, m := range q.ready[1:] {
		if m.enqueuedAt.Before(oldest) {
			oldest = m.enqueuedAt
		}
	}

	return oldest, true
}

func (q *messageQueue) snapshot() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Depth = len(q.ready)
	s.InFlight = len(q.inflight)
	s.Bytes = q.readyBytes

	return s
}

func (q *messageQueue) pushLocked(m *message) {
	heap.Push(&q.ready, m)
	q.index[m.id] = m
	q.readyBytes += m.size()
}

func (q *messageQueue) removeLocked(m *message) {
	if m.heapIdx >= 0 {
		heap.Remove(&q.ready, m.heapIdx)
	}

	delete(q.index, m.id)
	q.readyBytes -= m.size()
}
