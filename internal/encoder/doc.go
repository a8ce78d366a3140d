// Package encoder defines the capture/encoder capability the controller drives,
// and a reference-counted synthetic source that produces H.264-shaped test frames
// and AAC-sized audio so the service runs without camera hardware.
package encoder
