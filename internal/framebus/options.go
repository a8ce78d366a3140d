package framebus

import (
	"fmt"
	"strings"

	"github.com/skypro1111/stream-session-service/internal/media"
)

// OverflowPolicy selects what happens to a non-keyframe offered to a full queue
type OverflowPolicy int

const (
	// DropNewest discards the incoming non-keyframe
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued frame and appends the incoming one
	DropOldest
)

// String returns the configuration name of the policy
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseOverflowPolicy parses a configuration value; empty means DropNewest
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// DropReason tells a DropCallback why a frame left the queue without being consumed
type DropReason string

const (
	DropReasonFull     DropReason = "full"      // non-keyframe offered to a full queue
	DropReasonSoft     DropReason = "soft"      // non-keyframe offered above the soft limit
	DropReasonEvicted  DropReason = "evicted"   // oldest frame evicted by DropOldest
	DropReasonKeyClear DropReason = "key_clear" // pending frame cleared for an incoming keyframe
	DropReasonClosed   DropReason = "closed"    // offered to or cleared from a closed queue
	DropReasonEpoch    DropReason = "epoch"     // flushed when a new epoch starts
	DropReasonStopped  DropReason = "stopped"   // flushed when streaming is stopped
)

// DropCallback observes dropped frames; it runs outside the queue lock
type DropCallback func(frame *media.EncodedFrame, reason DropReason)

// Option configures a Queue
type Option func(*queueOptions)

type queueOptions struct {
	policy OverflowPolicy
	onDrop DropCallback
}

// WithOverflowPolicy sets the full-queue policy for non-keyframes. Defaults to DropNewest.
func WithOverflowPolicy(policy OverflowPolicy) Option {
	return func(o *queueOptions) {
		o.policy = policy
	}
}

// WithDropCallback registers a callback invoked for every dropped frame
func WithDropCallback(cb DropCallback) Option {
	return func(o *queueOptions) {
		o.onDrop = cb
	}
}

func applyOptions(opts ...Option) queueOptions {
	o := queueOptions{policy: DropNewest}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
