package framebus

import (
	"sync"
	"time"

	"github.com/skypro1111/stream-session-service/internal/media"
)

// OfferResult describes what Offer did with a frame
type OfferResult int

const (
	// Enqueued means the frame was appended without side effects
	Enqueued OfferResult = iota
	// Dropped means the incoming non-keyframe was discarded
	Dropped
	// Evicted means the oldest frame was discarded to make room
	Evicted
	// Cleared means pending frames were discarded to admit a keyframe
	Cleared
)

// Accepted reports whether the offered frame is now in the queue
func (r OfferResult) Accepted() bool {
	return r != Dropped
}

// Stats is a snapshot of queue counters
type Stats struct {
	Capacity int    `json:"capacity"`
	Depth    int    `json:"depth"`
	Offered  uint64 `json:"offered"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Evicted  uint64 `json:"evicted"`
	Cleared  uint64 `json:"cleared"`
	Polled   uint64 `json:"polled"`
}

// Queue is a bounded FIFO of encoded frames with keyframe-priority dropping.
// Offer never blocks. It is safe for multiple producers and consumers.
type Queue struct {
	mu       sync.Mutex
	items    []*media.EncodedFrame // ring buffer
	head     int                   // next read position
	size     int
	capacity int
	closed   bool
	notify   chan struct{}
	opts     queueOptions
	stats    Stats
}

// NewQueue creates a queue holding at most capacity frames (minimum 1)
func NewQueue(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*media.EncodedFrame, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		opts:     applyOptions(opts...),
		stats:    Stats{Capacity: capacity},
	}
}

// Offer enqueues a frame using the full capacity as the only limit
func (q *Queue) Offer(frame *media.EncodedFrame) OfferResult {
	return q.OfferLimit(frame, q.capacity)
}

// OfferLimit enqueues a frame, dropping non-keyframes once the depth reaches softLimit.
// A softLimit at or above capacity disables the soft threshold.
func (q *Queue) OfferLimit(frame *media.EncodedFrame, softLimit int) OfferResult {
	var dropped []*media.EncodedFrame
	var reason DropReason

	q.mu.Lock()
	q.stats.Offered++

	result := Enqueued
	switch {
	case q.closed:
		result = Dropped
		reason = DropReasonClosed
		dropped = append(dropped, frame)

	case frame.IsKeyFrame:
		if q.size >= q.capacity {
			dropped = q.drainLocked()
			reason = DropReasonKeyClear
			q.stats.Cleared += uint64(len(dropped))
			result = Cleared
		}
		q.pushLocked(frame)

	case q.size >= q.capacity:
		if q.opts.policy == DropOldest {
			dropped = append(dropped, q.popLocked())
			reason = DropReasonEvicted
			q.stats.Evicted++
			q.pushLocked(frame)
			result = Evicted
		} else {
			dropped = append(dropped, frame)
			reason = DropReasonFull
			result = Dropped
		}

	case softLimit < q.capacity && q.size >= softLimit:
		dropped = append(dropped, frame)
		reason = DropReasonSoft
		result = Dropped

	default:
		q.pushLocked(frame)
	}

	if result == Dropped {
		q.stats.Dropped++
	}
	q.mu.Unlock()

	if result.Accepted() {
		q.Wake()
	}
	if q.opts.onDrop != nil {
		for _, f := range dropped {
			q.opts.onDrop(f, reason)
		}
	}
	return result
}

// TryPoll removes the oldest frame without blocking
func (q *Queue) TryPoll() (*media.EncodedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	q.stats.Polled++
	return q.popLocked(), true
}

// Poll waits up to timeout for a frame. It returns early with ok=false after Wake.
func (q *Queue) Poll(timeout time.Duration) (*media.EncodedFrame, bool) {
	if frame, ok := q.TryPoll(); ok {
		return frame, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.notify:
		return q.TryPoll()
	case <-timer.C:
		return q.TryPoll()
	}
}

// Wake interrupts a pending Poll
func (q *Queue) Wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear discards all pending frames, reporting each with reason, and returns how many were removed
func (q *Queue) Clear(reason DropReason) int {
	q.mu.Lock()
	dropped := q.drainLocked()
	q.mu.Unlock()

	if q.opts.onDrop != nil {
		for _, f := range dropped {
			q.opts.onDrop(f, reason)
		}
	}
	return len(dropped)
}

// Close clears the queue and rejects further offers
func (q *Queue) Close() int {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	n := q.Clear(DropReasonClosed)
	q.Wake()
	return n
}

// Len returns the current depth
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity
func (q *Queue) Cap() int {
	return q.capacity
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Depth = q.size
	return s
}

func (q *Queue) pushLocked(frame *media.EncodedFrame) {
	q.items[(q.head+q.size)%q.capacity] = frame
	q.size++
	q.stats.Enqueued++
}

func (q *Queue) popLocked() *media.EncodedFrame {
	frame := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	return frame
}

func (q *Queue) drainLocked() []*media.EncodedFrame {
	if q.size == 0 {
		return nil
	}
	out := make([]*media.EncodedFrame, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popLocked())
	}
	q.head = 0
	return out
}
