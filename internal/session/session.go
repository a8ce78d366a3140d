package session

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/metrics"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/protocol"
)

// outbound is one unit for the sender: lines followed by raw bytes, written in a single Write
type outbound struct {
	lines      []string
	raw        [][]byte
	closeAfter bool
	reason     CloseReason
	opensEpoch uint32 // non-zero: video of this epoch may follow once the item is written
}

func (o outbound) encode() []byte {
	n := 0
	for _, l := range o.lines {
		n += len(l) + 1
	}
	for _, r := range o.raw {
		n += len(r)
	}
	buf := make([]byte, 0, n)
	for _, l := range o.lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	for _, r := range o.raw {
		buf = append(buf, r...)
	}
	return buf
}

// Session is one viewer connection and its protocol state
type Session struct {
	id         string
	conn       net.Conn
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     chan<- Event
	now        func() time.Time
	remoteAddr string
	startTime  time.Time

	writeMu sync.Mutex

	mu              sync.Mutex
	state           State
	version         int
	salt            string
	authenticated   bool
	caps            *media.ViewerCaps
	pending         *media.StreamConfig
	enabled         bool // EnableStreaming has been called and no STOPPED followed
	epoch           uint32
	noticedEpoch    uint32 // epoch whose RECONFIGURING notice has been written; video waits for it
	seq             uint64
	activeAnnounced bool
	closeHooks      []func(*Session)

	control chan outbound // state notices and control batches, in enqueue order
	video   *framebus.Queue
	audio   chan *media.AudioFrame

	lastInbound atomic.Int64 // unix nanos from now()
	closing     atomic.Bool
	done        chan struct{}
	closeReason atomic.Value // CloseReason

	framesSent    atomic.Uint64
	bytesSent     atomic.Uint64
	framesDropped atomic.Uint64
	audioSent     atomic.Uint64
	audioDropped  atomic.Uint64
}

// New creates a session for an accepted connection. It does not start any workers.
func New(conn net.Conn, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		state:   StateConnecting,
		version: protocol.VersionText,
		control: make(chan outbound, cfg.ControlQueueCapacity),
		audio:   make(chan *media.AudioFrame, cfg.AudioQueueCapacity),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))
	s.startTime = s.now()
	s.lastInbound.Store(s.startTime.UnixNano())

	s.video = framebus.NewQueue(cfg.FrameQueueCapacity,
		framebus.WithOverflowPolicy(cfg.OverflowPolicy),
		framebus.WithDropCallback(s.onFrameDropped),
	)
	return s
}

// Start runs the listener, video sender, audio sender and heartbeat on p.
// Either all four start or none do; pool.ErrPoolExhausted means the caller should reject the viewer.
func (s *Session) Start(p *pool.Pool) error {
	err := p.GoGroup(
		pool.Task{Name: "listener:" + s.id, Run: s.listenLoop},
		pool.Task{Name: "video-sender:" + s.id, Run: s.videoLoop},
		pool.Task{Name: "audio-sender:" + s.id, Run: s.audioLoop},
		pool.Task{Name: "heartbeat:" + s.id, Run: s.heartbeatLoop},
	)
	if err != nil {
		return fmt.Errorf("starting session %s: %w", s.id, err)
	}

	s.metrics.RecordSessionOpened()
	s.logger.Info("Viewer session started", slog.String("remote_addr", s.remoteAddr))
	return nil
}

// ID returns the opaque session identifier
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Done is closed when the session has closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current protocol state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current epoch
func (s *Session) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Version returns the negotiated protocol version
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Authenticated reports whether the viewer passed the challenge
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Streaming reports whether the controller has enabled video for this session
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && (s.state == StateReconfiguring || s.state == StateStreaming)
}

// EnableStreaming starts a new epoch and re-enters RECONFIGURING. The applied epoch is
// the requested one if it is ahead of the current epoch, otherwise current+1.
// Pending video is discarded. The RECONFIGURING notice and csd, when present, are queued
// as one item, and no video of the new epoch is written before them.
func (s *Session) EnableStreaming(epoch uint32, csd media.CodecConfig) (uint32, error) {
	if s.closing.Load() {
		return 0, ErrSessionClosed
	}

	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return 0, ErrNotAuthenticated
	}
	if epoch <= s.epoch {
		epoch = s.epoch + 1
	}
	s.epoch = epoch
	s.seq = 0
	s.activeAnnounced = false
	s.enabled = true
	s.state = StateReconfiguring
	s.mu.Unlock()

	s.video.Clear(framebus.DropReasonEpoch)
	s.metrics.RecordEpochChange()
	s.logger.Info("Streaming enabled",
		slog.Uint64("epoch", uint64(epoch)),
		slog.Bool("csd", !csd.Empty()),
	)

	item := outbound{
		lines:      []string{protocol.StreamState(protocol.StreamReconfiguring, epoch)},
		opensEpoch: epoch,
	}
	if !csd.Empty() {
		item.lines = append(item.lines, protocol.CSDHeader(epoch, len(csd.SPS), len(csd.PPS)))
		item.raw = [][]byte{csd.SPS, csd.PPS}
	}
	if err := s.offerControl(item); err != nil {
		return epoch, err
	}
	s.metrics.RecordStateNotice(protocol.StreamReconfiguring.String())
	return epoch, nil
}

// SendCodecConfig queues CSD for epoch; it is refused once a newer epoch is current
func (s *Session) SendCodecConfig(epoch uint32, csd media.CodecConfig) error {
	if csd.Empty() {
		return nil
	}
	if current := s.Epoch(); epoch != current {
		return fmt.Errorf("%w: csd for %d, current %d", ErrStaleEpoch, epoch, current)
	}
	return s.offerControl(outbound{
		lines: []string{protocol.CSDHeader(epoch, len(csd.SPS), len(csd.PPS))},
		raw:   [][]byte{csd.SPS, csd.PPS},
	})
}

// SendRecordingState queues RECORDING|active=
func (s *Session) SendRecordingState(active bool) error {
	return s.offerControl(outbound{lines: []string{protocol.Recording(active)}})
}

// SendEncoderRotation queues ENC_ROT|deg=
func (s *Session) SendEncoderRotation(deg int) error {
	if !protocol.ValidRotation(deg) {
		return fmt.Errorf("%w: %d", ErrInvalidRotation, deg)
	}
	return s.offerControl(outbound{lines: []string{protocol.EncoderRotation(deg)}})
}

// SendStreamState queues a PAUSED or STOPPED notice for the current epoch.
// ACTIVE and RECONFIGURING are owned by the session itself. STOPPED also disables
// streaming, so no video follows the notice until the next EnableStreaming.
func (s *Session) SendStreamState(code protocol.StreamStateCode) error {
	if code != protocol.StreamPaused && code != protocol.StreamStopped {
		return fmt.Errorf("stream state %s is not controller-settable", code)
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	epoch := s.epoch
	stopped := code == protocol.StreamStopped
	if stopped {
		s.enabled = false
		if s.state == StateReconfiguring || s.state == StateStreaming {
			s.state = StateAuthenticated
		}
	}
	s.mu.Unlock()

	if stopped {
		s.video.Clear(framebus.DropReasonStopped)
	}
	if err := s.offerControl(outbound{lines: []string{protocol.StreamState(code, epoch)}}); err != nil {
		return err
	}
	s.metrics.RecordStateNotice(code.String())
	return nil
}

// EnqueueFrame offers a frame to the session's video queue without blocking.
// It reports whether the frame was accepted.
func (s *Session) EnqueueFrame(frame *media.EncodedFrame) bool {
	if frame == nil || s.closing.Load() {
		return false
	}

	s.mu.Lock()
	enabled, state := s.enabled, s.state
	s.mu.Unlock()
	if !enabled {
		return false
	}

	limit := s.video.Cap()
	if state == StateStreaming && !frame.IsKeyFrame {
		limit = s.cfg.SoftDropThreshold
	}
	return s.video.OfferLimit(frame, limit).Accepted()
}

// EnqueueAudio offers a downlink audio frame, waiting up to the configured offer timeout for room
func (s *Session) EnqueueAudio(frame *media.AudioFrame) bool {
	if frame == nil || s.closing.Load() || !s.Authenticated() {
		return false
	}

	select {
	case s.audio <- frame:
		return true
	default:
	}

	timer := time.NewTimer(s.cfg.AudioOfferTimeout)
	defer timer.Stop()

	select {
	case s.audio <- frame:
		return true
	case <-timer.C:
	case <-s.done:
	}
	s.audioDropped.Add(1)
	s.metrics.RecordAudioDropped()
	return false
}

// OnClose registers fn to run once when the session closes. On a closed session fn runs immediately.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.closeHooks = append(s.closeHooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Close tears the session down once: state DISCONNECTED, queues cleared, socket closed,
// close hooks run and a single EventDisconnected offered. Later calls are no-ops.
func (s *Session) Close(reason CloseReason) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.closeReason.Store(reason)

	s.mu.Lock()
	prev := s.state
	s.state = StateDisconnected
	hooks := s.closeHooks
	s.closeHooks = nil
	s.mu.Unlock()

	close(s.done)
	dropped := s.video.Close()
	s.drainQueues()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Error closing connection", slog.String("error", err.Error()))
	}

	if reason == CloseTimeout {
		s.metrics.RecordHeartbeatTimeout()
	}
	duration := s.now().Sub(s.startTime)
	s.metrics.RecordSessionClosed(string(reason), duration.Seconds())

	s.logger.Info("Viewer session closed",
		slog.String("reason", string(reason)),
		slog.String("previous_state", prev.String()),
		slog.Duration("duration", duration),
		slog.Int("dropped_frames", dropped),
		slog.Uint64("frames_sent", s.framesSent.Load()),
	)

	for _, fn := range hooks {
		fn(s)
	}

	// registry and capture cleanup ran in the hooks; the event is informational
	// and must not stall a caller that is itself the event consumer
	if !s.tryEmit(Event{Type: EventDisconnected, Reason: reason}) {
		s.logger.Warn("Controller did not accept session event",
			slog.String("event", EventDisconnected.String()),
		)
	}
}

// CloseReason returns why the session closed, or "" while it is open
func (s *Session) CloseReason() CloseReason {
	if r, ok := s.closeReason.Load().(CloseReason); ok {
		return r
	}
	return ""
}

func (s *Session) drainQueues() {
	for {
		select {
		case <-s.control:
		case <-s.audio:
		default:
			return
		}
	}
}

func (s *Session) enqueueControl(item outbound) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.control <- item:
		s.video.Wake()
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// offerControl queues an item for the sender without blocking. A full control queue
// means the viewer stopped reading, so the session is closed rather than waited on.
func (s *Session) offerControl(item outbound) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	if s.tryEnqueueControl(item) {
		return nil
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}

	s.logger.Warn("Control queue overflow, closing session",
		slog.Int("capacity", cap(s.control)),
	)
	s.Close(CloseOverflow)
	return ErrControlOverflow
}

// tryEnqueueControl never blocks; it reports whether the item was queued
func (s *Session) tryEnqueueControl(item outbound) bool {
	if s.closing.Load() {
		return false
	}
	select {
	case s.control <- item:
		s.video.Wake()
		return true
	default:
		return false
	}
}

func (s *Session) enqueueState(code protocol.StreamStateCode, epoch uint32) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.control <- outbound{lines: []string{protocol.StreamState(code, epoch)}}:
		s.video.Wake()
		s.metrics.RecordStateNotice(code.String())
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// tryEmit offers ev to the controller without blocking
func (s *Session) tryEmit(ev Event) bool {
	if s.events == nil {
		return true
	}
	ev.Session = s

	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// emit waits up to eventSendTimeout for the controller to accept ev
func (s *Session) emit(ev Event) {
	if s.tryEmit(ev) {
		return
	}
	ev.Session = s

	timer := time.NewTimer(eventSendTimeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
	case <-timer.C:
		s.logger.Warn("Controller did not accept session event",
			slog.String("event", ev.Type.String()),
		)
	}
}

func (s *Session) onFrameDropped(_ *media.EncodedFrame, reason framebus.DropReason) {
	s.framesDropped.Add(1)
	s.metrics.RecordFramesDropped("session", string(reason), 1)
}

// touch records inbound traffic for the watchdog
func (s *Session) touch() {
	s.lastInbound.Store(s.now().UnixNano())
}

// write sends buf in one Write under the connection's write lock
func (s *Session) write(buf []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closing.Load() {
		return ErrSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.HeartbeatTimeout)); err != nil {
		return err
	}
	n, err := s.conn.Write(buf)
	s.bytesSent.Add(uint64(n))
	return err
}

// fail closes the session after an I/O error, classifying EOF and closed sockets quietly
func (s *Session) fail(op string, err error) {
	if s.closing.Load() {
		return
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.logger.Info("Viewer disconnected", slog.String("op", op))
	} else {
		s.logger.Warn("Viewer connection error",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	s.Close(CloseIO)
}
