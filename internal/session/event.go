package session

import (
	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/media"
)

// EventType identifies what a session is reporting
type EventType int

const (
	// EventAuthenticated is emitted once after AUTH_OK and the session batch were queued
	EventAuthenticated EventType = iota + 1
	// EventStreamRequest carries an admitted SET_STREAM profile in Config
	EventStreamRequest
	// EventCommand carries a remote stream-control command in Command
	EventCommand
	// EventAudioUplink carries talkback audio bytes in Audio
	EventAudioUplink
	// EventResume carries the session id the viewer asked to resume in ResumeID
	EventResume
	// EventDisconnected is emitted exactly once when the session closes
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventAuthenticated:
		return "authenticated"
	case EventStreamRequest:
		return "stream_request"
	case EventCommand:
		return "command"
	case EventAudioUplink:
		return "audio_uplink"
	case EventResume:
		return "resume"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a message from a session to its controller
type Event struct {
	Type     EventType
	Session  *Session
	Config   media.StreamConfig
	Caps     media.ViewerCaps
	Command  command.StreamCommand
	Audio    []byte
	ResumeID string
	Reason   CloseReason
}
