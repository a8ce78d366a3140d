package session

import (
	"log/slog"

	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/protocol"
)

const (
	framingBinary = "binary"
	framingLegacy = "legacy"
)

// videoLoop is the only writer of control items and video
func (s *Session) videoLoop() {
	for !s.closing.Load() {
		if !s.drainControl() {
			return
		}

		frame, ok := s.video.Poll(s.cfg.SenderPollTimeout)
		if !ok {
			continue
		}

		// anything queued before this frame was offered goes out first
		if !s.drainControl() {
			return
		}
		if err := s.sendVideo(frame); err != nil {
			s.fail("write", err)
			return
		}
	}
}

// drainControl writes every queued control item without blocking.
// It returns false once the session is closing.
func (s *Session) drainControl() bool {
	for {
		var item outbound
		select {
		case item = <-s.control:
		default:
			return !s.closing.Load()
		}

		buf := item.encode()
		if err := s.write(buf); err != nil {
			s.fail("write", err)
			return false
		}
		s.metrics.RecordBytesSent(len(buf))
		if item.opensEpoch != 0 {
			s.mu.Lock()
			s.noticedEpoch = item.opensEpoch
			s.mu.Unlock()
		}
		if item.closeAfter {
			s.Close(item.reason)
			return false
		}
	}
}

// sendVideo writes one frame under the current epoch. In RECONFIGURING only a keyframe
// passes; the first keyframe of an epoch is followed by exactly one ACTIVE notice in the
// same write.
func (s *Session) sendVideo(frame *media.EncodedFrame) error {
	s.mu.Lock()
	state := s.state
	if !s.enabled || (state != StateStreaming && state != StateReconfiguring) {
		s.mu.Unlock()
		s.onDroppedBySender("not_streaming")
		return nil
	}
	if (state == StateReconfiguring && !frame.IsKeyFrame) || s.noticedEpoch != s.epoch {
		s.mu.Unlock()
		s.onDroppedBySender("reconfiguring")
		return nil
	}

	epoch, seq, version := s.epoch, s.seq, s.version
	s.seq++
	announce := false
	if frame.IsKeyFrame && state == StateReconfiguring {
		s.state = StateStreaming
		if !s.activeAnnounced {
			s.activeAnnounced = true
			announce = true
		}
	}
	s.mu.Unlock()

	buf, framing := s.encodeFrame(frame, version, epoch, seq)
	if announce {
		buf = append(buf, protocol.StreamState(protocol.StreamActive, epoch)...)
		buf = append(buf, '\n')
	}

	if err := s.write(buf); err != nil {
		return err
	}

	s.framesSent.Add(1)
	s.metrics.RecordFrameSent(framing, len(buf))
	if announce {
		s.metrics.RecordStateNotice(protocol.StreamActive.String())
		s.logger.Info("Stream active",
			slog.Uint64("epoch", uint64(epoch)),
			slog.Int("keyframe_bytes", len(frame.Payload)),
		)
	}
	return nil
}

func (s *Session) encodeFrame(frame *media.EncodedFrame, version int, epoch uint32, seq uint64) ([]byte, string) {
	if version >= protocol.VersionBinary {
		buf := make([]byte, 0, protocol.BinaryHeaderSize+len(frame.Payload)+32)
		buf = protocol.AppendBinaryHeader(buf, epoch, frame.IsKeyFrame, len(frame.Payload))
		return append(buf, frame.Payload...), framingBinary
	}

	srvMs := s.now().UnixMilli()
	var ageMs int64
	if frame.CaptureEpochMillis > 0 {
		ageMs = srvMs - frame.CaptureEpochMillis
	}
	line := protocol.FrameLine(protocol.LegacyFrame{
		Epoch:    epoch,
		Seq:      seq,
		Size:     len(frame.Payload),
		KeyFrame: frame.IsKeyFrame,
		TsUs:     frame.PresentationTimeMicros,
		SrvMs:    srvMs,
		CapMs:    frame.CaptureEpochMillis,
		AgeMs:    ageMs,
	})
	buf := make([]byte, 0, len(line)+1+len(frame.Payload)+32)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return append(buf, frame.Payload...), framingLegacy
}

func (s *Session) onDroppedBySender(reason string) {
	s.framesDropped.Add(1)
	s.metrics.RecordFramesDropped("sender", reason, 1)
}

// audioLoop writes downlink audio; it shares the write lock with videoLoop
func (s *Session) audioLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.audio:
			if err := s.sendAudio(frame); err != nil {
				s.fail("write", err)
				return
			}
		}
	}
}

func (s *Session) sendAudio(frame *media.AudioFrame) error {
	header := protocol.AudioFrameHeader(frame.Format, frame.TimestampMicros,
		len(frame.Payload), frame.SampleRate, frame.Channels)

	buf := make([]byte, 0, len(header)+1+len(frame.Payload))
	buf = append(buf, header...)
	buf = append(buf, '\n')
	buf = append(buf, frame.Payload...)

	if err := s.write(buf); err != nil {
		return err
	}
	s.audioSent.Add(1)
	s.metrics.RecordAudioSent(len(buf))
	return nil
}
