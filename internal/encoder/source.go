package encoder

import (
	"errors"

	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/media"
)

var (
	// ErrNotAcquired is returned by Release without a matching Acquire
	ErrNotAcquired = errors.New("source not acquired")

	// ErrUnsupportedCommand is returned for commands the source cannot apply
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// AudioListener receives downlink audio frames
type AudioListener func(frame *media.AudioFrame)

// Source is a shared capture and encode pipeline. It runs while at least one holder
// has acquired it; the first Acquire starts it and the last Release stops it.
type Source interface {
	Acquire() error
	Release() error
	Running() bool

	// Configure switches the encoding profile; the next frame is a keyframe
	Configure(cfg media.StreamConfig) error
	RequestKeyFrame()
	Apply(cmd command.StreamCommand) error

	CodecConfig() media.CodecConfig
	Rotation() int
	Recording() bool

	// AddAudioListener registers fn under id once; a second registration of the same id is refused
	AddAudioListener(id string, fn AudioListener) bool
	RemoveAudioListener(id string) bool
}

// AudioSink consumes viewer talkback audio
type AudioSink interface {
	PlayUplink(sessionID string, data []byte) error
}
