package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/encoder"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/metrics"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/protocol"
	"github.com/skypro1111/stream-session-service/internal/session"
)

const audioListenerID = "controller"

// Config wires the controller to its collaborators
type Config struct {
	Source      encoder.Source
	Sink        encoder.AudioSink
	Bus         *framebus.Bus
	Manager     *session.Manager
	Workers     *pool.Pool
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	PollTimeout time.Duration
	EventBuffer int
}

// Stats is a snapshot of controller counters
type Stats struct {
	Epoch          uint32 `json:"epoch"`
	CaptureHolders int    `json:"capture_holders"`
	FramesFanned   uint64 `json:"frames_fanned"`
	FramesRejected uint64 `json:"frames_rejected"`
	EventsHandled  uint64 `json:"events_handled"`
}

// Controller owns the encoder on behalf of all sessions
type Controller struct {
	source      encoder.Source
	sink        encoder.AudioSink
	bus         *framebus.Bus
	manager     *session.Manager
	workers     *pool.Pool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	pollTimeout time.Duration
	events      chan session.Event

	mu      sync.Mutex
	epoch   uint32
	config  *media.StreamConfig
	holders map[string]bool // sessions holding the capture source
	stats   Stats

	cancel context.CancelFunc
}

// New creates a controller; call Start to run its loops
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil || cfg.Bus == nil || cfg.Manager == nil || cfg.Workers == nil {
		return nil, fmt.Errorf("controller: source, bus, manager and workers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	return &Controller{
		source:      cfg.Source,
		sink:        cfg.Sink,
		bus:         cfg.Bus,
		manager:     cfg.Manager,
		workers:     cfg.Workers,
		logger:      cfg.Logger.With(slog.String("component", "controller")),
		metrics:     cfg.Metrics,
		pollTimeout: cfg.PollTimeout,
		events:      make(chan session.Event, cfg.EventBuffer),
		holders:     make(map[string]bool),
	}, nil
}

// Events is the channel sessions report to
func (c *Controller) Events() chan<- session.Event {
	return c.events
}

// Start runs the event loop and the frame fan-out on the worker pool
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	err := c.workers.GoGroup(
		pool.Task{Name: "controller-events", Run: func() { c.eventLoop(ctx) }},
		pool.Task{Name: "controller-fanout", Run: func() { c.fanOutLoop(ctx) }},
	)
	if err != nil {
		cancel()
		return fmt.Errorf("starting controller: %w", err)
	}
	c.cancel = cancel

	c.source.AddAudioListener(audioListenerID, c.fanOutAudio)
	c.logger.Info("Controller started")
	return nil
}

// Stop ends the loops and releases every capture hold
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.source.RemoveAudioListener(audioListenerID)

	c.mu.Lock()
	holders := len(c.holders)
	for id := range c.holders {
		if err := c.source.Release(); err != nil {
			c.logger.Warn("Failed to release capture", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	c.holders = make(map[string]bool)
	c.mu.Unlock()

	c.logger.Info("Controller stopped", slog.Int("released_holders", holders))
}

// Stats returns current controller counters
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Epoch = c.epoch
	stats.CaptureHolders = len(c.holders)
	return stats
}

func (c *Controller) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle processes one session event
func (c *Controller) handle(ev session.Event) {
	s := ev.Session
	if s == nil {
		return
	}
	logger := c.logger.With(slog.String("session_id", s.ID()))

	c.mu.Lock()
	c.stats.EventsHandled++
	c.mu.Unlock()

	switch ev.Type {
	case session.EventAuthenticated:
		logger.Info("Viewer ready", slog.String("remote_addr", s.RemoteAddr()))

	case session.EventStreamRequest:
		c.startStream(s, ev.Config, logger)

	case session.EventCommand:
		c.applyCommand(s, ev.Command, logger)

	case session.EventAudioUplink:
		if c.sink == nil {
			return
		}
		if err := c.sink.PlayUplink(s.ID(), ev.Audio); err != nil {
			logger.Warn("Talkback audio rejected", slog.String("error", err.Error()))
		}

	case session.EventResume:
		_, live := c.manager.Get(ev.ResumeID)
		logger.Info("Resume requested",
			slog.String("resume_id", ev.ResumeID),
			slog.Bool("previous_live", live),
		)

	case session.EventDisconnected:
		// both are no-ops when the session's close hooks already ran
		c.manager.Remove(s.ID())
		c.releaseCapture(s.ID(), logger)
	}
}

// startStream configures the encoder for cfg, gives the session a new epoch and CSD.
// When the profile changes, every other streaming session moves to a new epoch as well,
// since frames after the switch no longer decode with the old CSD.
func (c *Controller) startStream(s *session.Session, cfg media.StreamConfig, logger *slog.Logger) {
	c.mu.Lock()
	changed := c.config == nil || *c.config != cfg
	c.mu.Unlock()

	if changed {
		if err := c.source.Configure(cfg); err != nil {
			logger.Error("Encoder rejected stream config",
				slog.String("config", cfg.String()),
				slog.String("error", err.Error()),
			)
			c.stopSession(s, logger)
			return
		}
		c.mu.Lock()
		c.config = &cfg
		c.mu.Unlock()
	}

	if err := c.acquireCapture(s, logger); err != nil {
		logger.Error("Failed to acquire capture", slog.String("error", err.Error()))
		c.stopSession(s, logger)
		return
	}

	targets := []*session.Session{s}
	if changed {
		for _, other := range c.manager.Sessions() {
			if other != s && other.Streaming() {
				targets = append(targets, other)
			}
		}
	}

	csd := c.source.CodecConfig()
	for _, target := range targets {
		c.enable(target, csd)
	}
	c.source.RequestKeyFrame()

	logger.Info("Stream started",
		slog.String("config", cfg.String()),
		slog.Bool("encoder_reconfigured", changed),
		slog.Int("sessions_reepoched", len(targets)),
	)
}

func (c *Controller) enable(s *session.Session, csd media.CodecConfig) {
	c.mu.Lock()
	c.epoch++
	next := c.epoch
	c.mu.Unlock()

	applied, err := s.EnableStreaming(next, csd)
	if err != nil {
		c.logger.Warn("Enable streaming failed",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	c.mu.Lock()
	if applied > c.epoch {
		c.epoch = applied
	}
	c.mu.Unlock()
}

func (c *Controller) stopSession(s *session.Session, logger *slog.Logger) {
	if err := s.SendStreamState(protocol.StreamStopped); err != nil {
		logger.Debug("Failed to send STOPPED", slog.String("error", err.Error()))
	}
}

func (c *Controller) applyCommand(s *session.Session, cmd command.StreamCommand, logger *slog.Logger) {
	// a viewer asking for a keyframe may have lost its decoder state too; the CSD is
	// queued before the keyframe is requested so it reaches the viewer first
	if cmd.Kind == command.RequestKeyFrame && s.Streaming() {
		if err := s.SendCodecConfig(s.Epoch(), c.source.CodecConfig()); err != nil {
			logger.Debug("Failed to resend CSD", slog.String("error", err.Error()))
		}
	}

	if err := c.source.Apply(cmd); err != nil {
		logger.Warn("Command failed", slog.String("command", cmd.String()), slog.String("error", err.Error()))
		return
	}
	logger.Info("Command applied", slog.String("command", cmd.String()))

	switch cmd.Kind {
	case command.StartRecording, command.StopRecording:
		recording := c.source.Recording()
		c.manager.Broadcast(func(target *session.Session) {
			if target.Authenticated() {
				_ = target.SendRecordingState(recording)
			}
		})
	case command.SwitchCamera:
		rotation := c.source.Rotation()
		c.manager.Broadcast(func(target *session.Session) {
			if target.Authenticated() {
				_ = target.SendEncoderRotation(rotation)
			}
		})
	}
}

// acquireCapture takes one capture hold for s, released when s closes
func (c *Controller) acquireCapture(s *session.Session, logger *slog.Logger) error {
	id := s.ID()

	c.mu.Lock()
	if c.holders[id] {
		c.mu.Unlock()
		return nil
	}
	if err := c.source.Acquire(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.holders[id] = true
	c.mu.Unlock()

	s.OnClose(func(*session.Session) {
		c.releaseCapture(id, logger)
	})
	return nil
}

func (c *Controller) releaseCapture(id string, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.holders[id] {
		return
	}
	delete(c.holders, id)
	if err := c.source.Release(); err != nil {
		logger.Warn("Failed to release capture", slog.String("error", err.Error()))
	}
}

// fanOutLoop moves frames from the bus into every streaming session's queue
func (c *Controller) fanOutLoop(ctx context.Context) {
	for ctx.Err() == nil {
		frame, ok := c.bus.Next(c.pollTimeout)
		c.metrics.SetBusDepth(c.bus.Depth())
		if !ok {
			continue
		}
		c.fanOut(frame)
	}
}

func (c *Controller) fanOut(frame *media.EncodedFrame) {
	var accepted, rejected uint64
	for _, s := range c.manager.Sessions() {
		if !s.Streaming() {
			continue
		}
		if s.EnqueueFrame(frame) {
			accepted++
		} else {
			rejected++
		}
	}

	c.mu.Lock()
	c.stats.FramesFanned += accepted
	c.stats.FramesRejected += rejected
	c.mu.Unlock()
}

// fanOutAudio runs on the encoder's audio worker
func (c *Controller) fanOutAudio(frame *media.AudioFrame) {
	for _, s := range c.manager.Sessions() {
		if s.Streaming() {
			s.EnqueueAudio(frame)
		}
	}
}
