package session

import (
	"time"

	"github.com/skypro1111/stream-session-service/internal/media"
)

// Info is a point-in-time view of a session for monitoring and APIs
type Info struct {
	ID            string              `json:"id"`
	RemoteAddr    string              `json:"remote_addr"`
	State         string              `json:"state"`
	Version       int                 `json:"version"`
	Authenticated bool                `json:"authenticated"`
	Streaming     bool                `json:"streaming"`
	Epoch         uint32              `json:"epoch"`
	Sequence      uint64              `json:"sequence"`
	Caps          *media.ViewerCaps   `json:"caps,omitempty"`
	Requested     *media.StreamConfig `json:"requested,omitempty"`
	StartTime     time.Time           `json:"start_time"`
	LastInbound   time.Time           `json:"last_inbound"`
	Uptime        time.Duration       `json:"uptime"`

	VideoQueueDepth   int `json:"video_queue_depth"`
	AudioQueueDepth   int `json:"audio_queue_depth"`
	ControlQueueDepth int `json:"control_queue_depth"`

	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	BytesSent     uint64 `json:"bytes_sent"`
	AudioSent     uint64 `json:"audio_sent"`
	AudioDropped  uint64 `json:"audio_dropped"`

	CloseReason CloseReason `json:"close_reason,omitempty"`
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr,
		State:         s.state.String(),
		Version:       s.version,
		Authenticated: s.authenticated,
		Streaming:     s.enabled && (s.state == StateReconfiguring || s.state == StateStreaming),
		Epoch:         s.epoch,
		Sequence:      s.seq,
		StartTime:     s.startTime,
	}
	if s.caps != nil {
		caps := *s.caps
		info.Caps = &caps
	}
	if s.pending != nil {
		requested := *s.pending
		info.Requested = &requested
	}
	s.mu.Unlock()

	info.LastInbound = time.Unix(0, s.lastInbound.Load())
	info.Uptime = s.now().Sub(s.startTime)
	info.VideoQueueDepth = s.video.Len()
	info.AudioQueueDepth = len(s.audio)
	info.ControlQueueDepth = len(s.control)
	info.FramesSent = s.framesSent.Load()
	info.FramesDropped = s.framesDropped.Load()
	info.BytesSent = s.bytesSent.Load()
	info.AudioSent = s.audioSent.Load()
	info.AudioDropped = s.audioDropped.Load()
	info.CloseReason = s.CloseReason()
	return info
}
