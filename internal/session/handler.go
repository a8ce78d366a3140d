package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/skypro1111/stream-session-service/internal/auth"
	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/protocol"
)

// errStopReading ends the listener without closing; the sender closes after flushing
var errStopReading = errors.New("stop reading")

func (s *Session) listenLoop() {
	for {
		line, err := protocol.ReadLine(s.conn, s.cfg.MaxLineBytes)
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.logger.Warn("Inbound line too long", slog.Int("max_bytes", s.cfg.MaxLineBytes))
				s.metrics.RecordProtocolError("line_too_long")
				s.Close(CloseProtocol)
				return
			}
			s.fail("read", err)
			return
		}
		s.touch()

		msg, err := protocol.Parse(line)
		if err != nil {
			continue // blank or keyless line
		}

		if err := s.handle(msg); err != nil {
			switch {
			case errors.Is(err, errStopReading):
			case errors.Is(err, ErrAudioTooLarge):
				s.logger.Warn("Dropping viewer", slog.String("error", err.Error()))
				s.metrics.RecordProtocolError("audio_too_large")
				s.Close(CloseProtocol)
			default:
				s.fail("read", err)
			}
			return
		}
	}
}

// handle dispatches one inbound message. A non-nil error ends the listener.
func (s *Session) handle(msg protocol.Message) error {
	s.logger.Debug("Inbound message", slog.String("key", msg.Key))

	switch msg.Key {
	case protocol.CmdHello:
		return s.handleHello(msg)
	case protocol.CmdAuthResponse:
		return s.handleAuthResponse(msg)
	case protocol.CmdAuthLegacy:
		return s.rejectAuth(ErrLegacyAuth, protocol.ReasonLegacyAuth)
	case protocol.CmdPing:
		tsMs, _ := msg.Field("tsMs")
		return s.reply(protocol.Pong(tsMs, s.now().UnixMilli()))
	case protocol.CmdPong:
		return nil
	case protocol.CmdAudioFrame:
		return s.handleAudioUplink(msg)
	}

	if !s.Authenticated() {
		s.logger.Warn("Command before authentication", slog.String("key", msg.Key))
		s.metrics.RecordProtocolError(protocol.ReasonNotAuthenticated)
		return s.reply(protocol.ErrorLine(protocol.ReasonNotAuthenticated))
	}

	switch msg.Key {
	case protocol.CmdCaps:
		return s.handleCaps(msg)
	case protocol.CmdSetStream:
		return s.handleSetStream(msg)
	case protocol.CmdBackpressure:
		s.handleBackpressure(true)
		return nil
	case protocol.CmdPressureClear:
		s.handleBackpressure(false)
		return nil
	case protocol.CmdResume:
		return s.handleResume(msg)
	}

	if command.IsRemote(msg.Key) {
		cmd, err := command.FromMessage(msg)
		if err != nil {
			s.logger.Warn("Invalid remote command",
				slog.String("key", msg.Key),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordProtocolError(protocol.ReasonInvalidCommand)
			return s.reply(protocol.ErrorLine(protocol.ReasonInvalidCommand))
		}
		s.emit(Event{Type: EventCommand, Command: cmd})
		return nil
	}

	s.logger.Warn("Unknown command", slog.String("key", msg.Key))
	s.metrics.RecordProtocolError(protocol.ReasonUnknownCommand)
	return s.reply(protocol.ErrorLine(protocol.ReasonUnknownCommand))
}

func (s *Session) reply(line string) error {
	return s.enqueueControl(outbound{lines: []string{line}})
}

func (s *Session) handleHello(msg protocol.Message) error {
	version := protocol.VersionText
	if v, err := msg.Int("version"); err == nil && v >= protocol.VersionBinary {
		version = protocol.VersionBinary
	}

	s.mu.Lock()
	if s.salt != "" {
		s.mu.Unlock()
		s.logger.Warn("Repeated HELLO ignored")
		return nil
	}
	salt, err := auth.NewSalt()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.salt = salt
	s.version = version
	s.mu.Unlock()

	s.logger.Info("Viewer hello", slog.Int("version", version))
	return s.reply(protocol.AuthChallenge(salt))
}

func (s *Session) handleAuthResponse(msg protocol.Message) error {
	hash, _ := msg.Field("hash")

	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		s.logger.Warn("Repeated AUTH_RESPONSE ignored")
		return nil
	}
	salt := s.salt
	if salt == "" {
		s.mu.Unlock()
		return s.rejectAuth(ErrNoChallenge, protocol.ReasonNoChallenge)
	}
	if !auth.Verify(s.cfg.Password, salt, hash) {
		s.mu.Unlock()
		return s.rejectAuth(ErrAuthFailed, protocol.ReasonBadHash)
	}
	s.authenticated = true
	s.state = StateAuthenticated
	version, epoch := s.version, s.epoch
	s.mu.Unlock()

	s.logger.Info("Viewer authenticated", slog.Int("version", version))

	// one item so nothing can be written between these lines
	err := s.enqueueControl(outbound{lines: []string{
		protocol.MsgAuthOK,
		protocol.SessionLine(s.id),
		protocol.ProtoLine(version),
		protocol.StreamState(protocol.StreamReconfiguring, epoch),
	}})
	if err != nil {
		return err
	}
	s.metrics.RecordStateNotice(protocol.StreamReconfiguring.String())

	s.emit(Event{Type: EventAuthenticated})
	return nil
}

// rejectAuth queues AUTH_FAIL with a close-after-flush marker and stops the listener
func (s *Session) rejectAuth(cause error, reason string) error {
	s.logger.Warn("Authentication rejected",
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	s.metrics.RecordAuthFailure(reason)

	if err := s.enqueueControl(outbound{
		lines:      []string{protocol.AuthFail(reason)},
		closeAfter: true,
		reason:     CloseAuth,
	}); err != nil {
		return err
	}
	return errStopReading
}

func (s *Session) handleCaps(msg protocol.Message) error {
	var caps media.ViewerCaps
	var err error
	if caps.MaxWidth, err = msg.Int("maxWidth"); err == nil {
		if caps.MaxHeight, err = msg.Int("maxHeight"); err == nil {
			if caps.MaxBitrate, err = msg.Int("maxBitrate"); err == nil {
				err = caps.Validate()
			}
		}
	}
	if err != nil {
		s.logger.Warn("Invalid CAPS", slog.String("error", err.Error()))
		s.metrics.RecordProtocolError(protocol.ReasonInvalidCaps)
		return s.reply(protocol.ErrorLine(protocol.ReasonInvalidCaps))
	}

	s.mu.Lock()
	s.caps = &caps
	s.mu.Unlock()

	s.logger.Info("Viewer caps recorded",
		slog.Int("max_width", caps.MaxWidth),
		slog.Int("max_height", caps.MaxHeight),
		slog.Int("max_bitrate", caps.MaxBitrate),
	)
	return s.reply(protocol.MsgCapsOK)
}

func (s *Session) handleSetStream(msg protocol.Message) error {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()

	if caps == nil {
		s.logger.Warn("SET_STREAM before CAPS", slog.String("error", ErrCapsRequired.Error()))
		s.metrics.RecordProtocolError(protocol.ReasonCapsRequired)
		return s.reply(protocol.ErrorLine(protocol.ReasonCapsRequired))
	}

	cfg, err := parseStreamConfig(msg)
	if err != nil {
		s.logger.Warn("Invalid SET_STREAM", slog.String("error", err.Error()))
		s.metrics.RecordProtocolError(protocol.ReasonInvalidStream)
		return s.reply(protocol.ErrorLine(protocol.ReasonInvalidStream))
	}

	if !cfg.FitsWithin(*caps) {
		s.logger.Info("Stream request rejected",
			slog.String("requested", cfg.String()),
			slog.Int("max_width", caps.MaxWidth),
			slog.Int("max_height", caps.MaxHeight),
			slog.Int("max_bitrate", caps.MaxBitrate),
		)
		return s.reply(protocol.StreamRejected(protocol.ReasonUnsupported))
	}

	s.mu.Lock()
	s.pending = &cfg
	s.state = StateReconfiguring
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Info("Stream requested", slog.String("config", cfg.String()))
	if err := s.enqueueState(protocol.StreamReconfiguring, epoch); err != nil {
		return err
	}
	s.emit(Event{Type: EventStreamRequest, Config: cfg, Caps: *caps})
	return nil
}

func parseStreamConfig(msg protocol.Message) (media.StreamConfig, error) {
	var cfg media.StreamConfig
	var err error
	if cfg.Width, err = msg.Int("width"); err != nil {
		return cfg, err
	}
	if cfg.Height, err = msg.Int("height"); err != nil {
		return cfg, err
	}
	if cfg.Bitrate, err = msg.Int("bitrate"); err != nil {
		return cfg, err
	}
	if cfg.FPS, err = msg.Int("fps"); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// handleBackpressure moves between STREAMING and RECONFIGURING without touching the epoch.
// PRESSURE_CLEAR only resumes an epoch whose ACTIVE notice was already sent.
func (s *Session) handleBackpressure(engaged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case engaged && s.state == StateStreaming:
		s.state = StateReconfiguring
	case !engaged && s.state == StateReconfiguring && s.activeAnnounced:
		s.state = StateStreaming
	default:
		return
	}
	s.logger.Debug("Backpressure toggled",
		slog.Bool("engaged", engaged),
		slog.String("state", s.state.String()),
	)
}

func (s *Session) handleResume(msg protocol.Message) error {
	id, ok := msg.Field("session")
	if !ok || id == "" {
		s.metrics.RecordProtocolError(protocol.ReasonInvalidCommand)
		return s.reply(protocol.ErrorLine(protocol.ReasonInvalidCommand))
	}
	s.emit(Event{Type: EventResume, ResumeID: id})
	return nil
}

// handleAudioUplink reads the raw bytes that follow AUDIO_FRAME|size=N
func (s *Session) handleAudioUplink(msg protocol.Message) error {
	size, err := msg.Int("size")
	if err != nil || size < 0 {
		// without a size the stream cannot be resynchronized
		return fmt.Errorf("%w: unreadable size", ErrAudioTooLarge)
	}
	if size > s.cfg.MaxAudioUplinkBytes {
		return fmt.Errorf("%w: %d > %d", ErrAudioTooLarge, size, s.cfg.MaxAudioUplinkBytes)
	}

	payload, err := protocol.ReadExact(s.conn, size)
	if err != nil {
		return err
	}
	s.touch()

	if !s.Authenticated() {
		s.metrics.RecordProtocolError(protocol.ReasonNotAuthenticated)
		return s.reply(protocol.ErrorLine(protocol.ReasonNotAuthenticated))
	}

	s.metrics.RecordAudioUplink()
	s.logger.Debug("Audio uplink", slog.Int("size", size))
	s.emit(Event{Type: EventAudioUplink, Audio: payload})
	return nil
}
