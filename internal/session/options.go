package session

import (
	"log/slog"
	"time"

	"github.com/skypro1111/stream-session-service/internal/config"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/metrics"
)

// WorkerCount is the number of pool workers a running session occupies
const WorkerCount = 4

// eventSendTimeout bounds how long a session waits on a slow controller
const eventSendTimeout = 2 * time.Second

// Config holds the per-session tuning derived from the service configuration
type Config struct {
	Password             string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	FrameQueueCapacity   int
	SoftDropThreshold    int
	OverflowPolicy       framebus.OverflowPolicy
	AudioQueueCapacity   int
	AudioOfferTimeout    time.Duration
	ControlQueueCapacity int
	SenderPollTimeout    time.Duration
	MaxAudioUplinkBytes  int
	MaxLineBytes         int
}

// DefaultConfig returns the session tuning of config.Default with the given password
func DefaultConfig(password string) Config {
	c := config.Default()
	c.Auth.Password = password
	cfg, _ := ConfigFrom(&c)
	return cfg
}

// ConfigFrom converts the validated service configuration into session tuning
func ConfigFrom(c *config.Config) (Config, error) {
	policy, err := framebus.ParseOverflowPolicy(c.Session.OverflowPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Password:             c.Auth.Password,
		HeartbeatInterval:    c.Session.GetHeartbeatInterval(),
		HeartbeatTimeout:     c.Session.GetHeartbeatTimeout(),
		FrameQueueCapacity:   c.Session.FrameQueueCapacity,
		SoftDropThreshold:    c.Session.SoftDropThreshold,
		OverflowPolicy:       policy,
		AudioQueueCapacity:   c.Session.AudioQueueCapacity,
		AudioOfferTimeout:    c.Session.GetAudioOfferTimeout(),
		ControlQueueCapacity: c.Session.ControlQueueCapacity,
		SenderPollTimeout:    c.Session.GetSenderPollTimeout(),
		MaxAudioUplinkBytes:  c.Session.MaxAudioUplinkBytes,
		MaxLineBytes:         c.Session.MaxLineBytes,
	}, nil
}

// Option customizes a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithEvents sets the channel the session reports to
func WithEvents(events chan<- Event) Option {
	return func(s *Session) {
		s.events = events
	}
}

// WithClock replaces time.Now for liveness accounting
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithID overrides the generated session id
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}
