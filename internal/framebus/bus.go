package framebus

import (
	"time"

	"github.com/skypro1111/stream-session-service/internal/media"
)

// Bus is the process-wide hand-off between the encoder and the fan-out stage.
// Publishing never blocks, so encoder timing is unaffected by slow consumers.
type Bus struct {
	queue *Queue
}

// NewBus creates a bus backed by a keyframe-aware queue of the given capacity
func NewBus(capacity int, opts ...Option) *Bus {
	return &Bus{queue: NewQueue(capacity, opts...)}
}

// Publish offers a frame to the bus. Safe for concurrent producers.
func (b *Bus) Publish(frame *media.EncodedFrame) OfferResult {
	return b.queue.Offer(frame)
}

// Next waits up to timeout for the next frame
func (b *Bus) Next(timeout time.Duration) (*media.EncodedFrame, bool) {
	return b.queue.Poll(timeout)
}

// Depth returns the number of frames waiting for the fan-out stage
func (b *Bus) Depth() int {
	return b.queue.Len()
}

// Stats returns the bus queue counters
func (b *Bus) Stats() Stats {
	return b.queue.Stats()
}

// Close drops pending frames and rejects further publishes
func (b *Bus) Close() {
	b.queue.Close()
}
