// Package framebus provides the bounded, keyframe-aware frame queues that decouple the
// encoder from viewer sessions.
//
// Every queue applies the same policy. Producers never block. When the queue is full a
// non-keyframe is dropped (or, with DropOldest, evicts the oldest entry), while a
// keyframe is never dropped: the pending frames are cleared and the keyframe is kept
// alone so a decoder can resynchronize quickly. An optional soft limit below capacity
// lets callers shed non-keyframes early to keep latency bounded.
//
// Bus wraps a Queue as the process-wide hand-off between the encoder and the fan-out
// stage. Each viewer session owns a private Queue.
package framebus
