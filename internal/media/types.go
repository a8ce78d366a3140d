package media

import (
	"errors"
	"fmt"
)

// MaxFPS is the highest frame rate a StreamConfig may request
const MaxFPS = 120

// ErrInvalidConfig is returned for a stream profile with non-positive or out of range fields
var ErrInvalidConfig = errors.New("invalid stream config")

// EncodedFrame is one encoded video access unit.
//
// Frames are produced once by the encoder and are read-only afterwards. Queues hold
// the pointer, never a copy of Payload.
type EncodedFrame struct {
	Payload                []byte
	IsKeyFrame             bool
	PresentationTimeMicros int64
	CaptureEpochMillis     int64
}

// AudioFrame is one encoded downlink audio packet
type AudioFrame struct {
	Payload         []byte
	Format          string // e.g. "aac"; empty when raw
	TimestampMicros int64
	SampleRate      int
	Channels        int
}

// CodecConfig carries the codec-specific data a decoder needs before the first frame of an epoch
type CodecConfig struct {
	SPS []byte
	PPS []byte
}

// Empty reports whether there is nothing to send
func (c CodecConfig) Empty() bool {
	return len(c.SPS) == 0 && len(c.PPS) == 0
}

// StreamConfig is a requested or accepted encoding profile
type StreamConfig struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Bitrate int `json:"bitrate"`
	FPS     int `json:"fps"`
}

// Validate checks all fields are positive and fps does not exceed MaxFPS
func (c StreamConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate must be positive, got %d", ErrInvalidConfig, c.Bitrate)
	}
	if c.FPS <= 0 || c.FPS > MaxFPS {
		return fmt.Errorf("%w: fps must be between 1 and %d, got %d", ErrInvalidConfig, MaxFPS, c.FPS)
	}
	return nil
}

// FitsWithin reports whether the profile stays inside the viewer's advertised limits
func (c StreamConfig) FitsWithin(caps ViewerCaps) bool {
	return c.Width <= caps.MaxWidth && c.Height <= caps.MaxHeight && c.Bitrate <= caps.MaxBitrate
}

// String returns a compact representation of the profile
func (c StreamConfig) String() string {
	return fmt.Sprintf("%dx%d@%dfps/%dbps", c.Width, c.Height, c.FPS, c.Bitrate)
}

// ViewerCaps are the limits a viewer advertises once before requesting a stream
type ViewerCaps struct {
	MaxWidth   int `json:"max_width"`
	MaxHeight  int `json:"max_height"`
	MaxBitrate int `json:"max_bitrate"`
}

// Validate checks all limits are positive
func (c ViewerCaps) Validate() error {
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 || c.MaxBitrate <= 0 {
		return fmt.Errorf("caps must be positive, got %dx%d/%dbps", c.MaxWidth, c.MaxHeight, c.MaxBitrate)
	}
	return nil
}
