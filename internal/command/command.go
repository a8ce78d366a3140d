// Package command translates remote viewer commands into stream-control commands
// for the encoder/camera controller. The mapping is pure: no I/O, no state.
package command

import (
	"errors"
	"fmt"
	"math"

	"github.com/skypro1111/stream-session-service/internal/protocol"
)

// Kind identifies a stream-control command
type Kind int

const (
	StartRecording Kind = iota + 1
	StopRecording
	RequestKeyFrame
	SwitchCamera
	Zoom
	AdjustBitrate
)

var kindNames = map[Kind]string{
	StartRecording:  "start_recording",
	StopRecording:   "stop_recording",
	RequestKeyFrame: "request_keyframe",
	SwitchCamera:    "switch_camera",
	Zoom:            "zoom",
	AdjustBitrate:   "adjust_bitrate",
}

// String returns the command name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

var (
	// ErrUnknownCommand is returned for a wire key that is not a remote command
	ErrUnknownCommand = errors.New("unknown remote command")

	// ErrInvalidArgument is returned when a command's argument is missing or out of range
	ErrInvalidArgument = errors.New("invalid command argument")
)

// StreamCommand is an internal stream-control command
type StreamCommand struct {
	Kind    Kind
	Ratio   float64 // Zoom
	Bitrate int     // AdjustBitrate
}

// String returns a readable form for logging
func (c StreamCommand) String() string {
	switch c.Kind {
	case Zoom:
		return fmt.Sprintf("%s(%.2f)", c.Kind, c.Ratio)
	case AdjustBitrate:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Bitrate)
	default:
		return c.Kind.String()
	}
}

var wireKinds = map[string]Kind{
	protocol.CmdStartRecord:   StartRecording,
	protocol.CmdStopRecord:    StopRecording,
	protocol.CmdReqKeyFrame:   RequestKeyFrame,
	protocol.CmdSwitchCamera:  SwitchCamera,
	protocol.CmdZoom:          Zoom,
	protocol.CmdAdjustBitrate: AdjustBitrate,
}

// IsRemote reports whether key names a remote stream-control command
func IsRemote(key string) bool {
	_, ok := wireKinds[key]
	return ok
}

// FromMessage maps a parsed wire command to a StreamCommand
func FromMessage(msg protocol.Message) (StreamCommand, error) {
	kind, ok := wireKinds[msg.Key]
	if !ok {
		return StreamCommand{}, fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Key)
	}

	cmd := StreamCommand{Kind: kind}
	switch kind {
	case Zoom:
		ratio, err := msg.Float64("ratio")
		if err != nil {
			return StreamCommand{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if ratio <= 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
			return StreamCommand{}, fmt.Errorf("%w: zoom ratio must be positive, got %v", ErrInvalidArgument, ratio)
		}
		cmd.Ratio = ratio

	case AdjustBitrate:
		bitrate, err := msg.Int("bitrate")
		if err != nil {
			return StreamCommand{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if bitrate <= 0 {
			return StreamCommand{}, fmt.Errorf("%w: bitrate must be positive, got %d", ErrInvalidArgument, bitrate)
		}
		cmd.Bitrate = bitrate
	}

	return cmd, nil
}
