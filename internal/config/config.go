package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	Session SessionConfig `yaml:"session" json:"session"`
	Pools   PoolsConfig   `yaml:"pools" json:"pools"`
	Bus     BusConfig     `yaml:"bus" json:"bus"`
	Encoder EncoderConfig `yaml:"encoder" json:"encoder"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig contains the viewer TCP listener configuration
type ServerConfig struct {
	TCPPort     int    `yaml:"tcp_port" json:"tcp_port"`
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	MaxSessions int    `yaml:"max_sessions" json:"max_sessions"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig contains the shared viewer secret
type AuthConfig struct {
	Password string `yaml:"password" json:"password"`
}

// SessionConfig contains per-viewer queueing and liveness parameters
type SessionConfig struct {
	HeartbeatIntervalMs  int    `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	HeartbeatTimeout     int    `yaml:"heartbeat_timeout_s" json:"heartbeat_timeout_s"`
	FrameQueueCapacity   int    `yaml:"frame_queue_capacity" json:"frame_queue_capacity"`
	SoftDropThreshold    int    `yaml:"soft_drop_threshold" json:"soft_drop_threshold"`
	OverflowPolicy       string `yaml:"overflow_policy" json:"overflow_policy"` // drop_newest | drop_oldest
	AudioQueueCapacity   int    `yaml:"audio_queue_capacity" json:"audio_queue_capacity"`
	AudioOfferTimeoutMs  int    `yaml:"audio_offer_timeout_ms" json:"audio_offer_timeout_ms"`
	ControlQueueCapacity int    `yaml:"control_queue_capacity" json:"control_queue_capacity"`
	SenderPollTimeoutMs  int    `yaml:"sender_poll_timeout_ms" json:"sender_poll_timeout_ms"`
	MaxAudioUplinkBytes  int    `yaml:"max_audio_uplink_bytes" json:"max_audio_uplink_bytes"`
	MaxLineBytes         int    `yaml:"max_line_bytes" json:"max_line_bytes"`
}

// PoolsConfig sizes the shared execution pools
type PoolsConfig struct {
	SessionWorkers int `yaml:"session_workers" json:"session_workers"`
	ControlWorkers int `yaml:"control_workers" json:"control_workers"`
}

// BusConfig contains frame bus parameters
type BusConfig struct {
	Capacity      int `yaml:"capacity" json:"capacity"`
	PollTimeoutMs int `yaml:"poll_timeout_ms" json:"poll_timeout_ms"`
}

// EncoderConfig contains the synthetic source defaults
type EncoderConfig struct {
	Width        int  `yaml:"width" json:"width"`
	Height       int  `yaml:"height" json:"height"`
	Bitrate      int  `yaml:"bitrate" json:"bitrate"`
	FPS          int  `yaml:"fps" json:"fps"`
	GOP          int  `yaml:"gop" json:"gop"` // frames between keyframes
	Rotation     int  `yaml:"rotation" json:"rotation"`
	AudioEnabled bool `yaml:"audio_enabled" json:"audio_enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// workersPerSession is the number of pool workers each viewer session occupies
const workersPerSession = 4

// Default returns the built-in configuration that a YAML file is layered over
func Default() Config {
	return Config{
		Server: ServerConfig{
			TCPPort:     8555,
			BindAddress: "0.0.0.0",
			MaxSessions: 4,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Session: SessionConfig{
			HeartbeatIntervalMs:  2000,
			HeartbeatTimeout:     60,
			FrameQueueCapacity:   30,
			SoftDropThreshold:    12,
			OverflowPolicy:       "drop_newest",
			AudioQueueCapacity:   16,
			AudioOfferTimeoutMs:  20,
			ControlQueueCapacity: 64,
			SenderPollTimeoutMs:  20,
			MaxAudioUplinkBytes:  64 * 1024,
			MaxLineBytes:         8192,
		},
		Pools: PoolsConfig{
			SessionWorkers: 16,
			ControlWorkers: 8,
		},
		Bus: BusConfig{
			Capacity:      30,
			PollTimeoutMs: 50,
		},
		Encoder: EncoderConfig{
			Width:        1280,
			Height:       720,
			Bitrate:      2_000_000,
			FPS:          30,
			GOP:          30,
			AudioEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Pools.Validate(); err != nil {
		return fmt.Errorf("pools config: %w", err)
	}

	if c.Pools.SessionWorkers < c.Server.MaxSessions*workersPerSession {
		return fmt.Errorf("pools config: session_workers (%d) cannot hold max_sessions (%d) at %d workers each",
			c.Pools.SessionWorkers, c.Server.MaxSessions, workersPerSession)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates auth configuration
func (a *AuthConfig) Validate() error {
	if a.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.HeartbeatIntervalMs < 100 {
		return fmt.Errorf("heartbeat_interval_ms must be at least 100, got %d", s.HeartbeatIntervalMs)
	}

	if s.HeartbeatTimeout < 1 {
		return fmt.Errorf("heartbeat_timeout_s must be at least 1 second, got %d", s.HeartbeatTimeout)
	}

	if time.Duration(s.HeartbeatTimeout)*time.Second <= s.GetHeartbeatInterval() {
		return fmt.Errorf("heartbeat_timeout_s (%d) must exceed heartbeat_interval_ms (%d)",
			s.HeartbeatTimeout, s.HeartbeatIntervalMs)
	}

	if s.FrameQueueCapacity < 1 {
		return fmt.Errorf("frame_queue_capacity must be at least 1, got %d", s.FrameQueueCapacity)
	}

	if s.SoftDropThreshold < 1 || s.SoftDropThreshold > s.FrameQueueCapacity {
		return fmt.Errorf("soft_drop_threshold must be between 1 and frame_queue_capacity (%d), got %d",
			s.FrameQueueCapacity, s.SoftDropThreshold)
	}

	validPolicies := map[string]bool{"drop_newest": true, "drop_oldest": true}
	if !validPolicies[s.OverflowPolicy] {
		return fmt.Errorf("overflow_policy must be 'drop_newest' or 'drop_oldest', got '%s'", s.OverflowPolicy)
	}

	if s.AudioQueueCapacity < 1 {
		return fmt.Errorf("audio_queue_capacity must be at least 1, got %d", s.AudioQueueCapacity)
	}

	if s.AudioOfferTimeoutMs < 0 {
		return fmt.Errorf("audio_offer_timeout_ms cannot be negative, got %d", s.AudioOfferTimeoutMs)
	}

	if s.ControlQueueCapacity < 8 {
		return fmt.Errorf("control_queue_capacity must be at least 8, got %d", s.ControlQueueCapacity)
	}

	if s.SenderPollTimeoutMs < 1 || s.SenderPollTimeoutMs > 1000 {
		return fmt.Errorf("sender_poll_timeout_ms must be between 1 and 1000, got %d", s.SenderPollTimeoutMs)
	}

	if s.MaxAudioUplinkBytes < 1 {
		return fmt.Errorf("max_audio_uplink_bytes must be at least 1, got %d", s.MaxAudioUplinkBytes)
	}

	if s.MaxLineBytes < 256 {
		return fmt.Errorf("max_line_bytes must be at least 256, got %d", s.MaxLineBytes)
	}

	return nil
}

// Validate validates pool sizes
func (p *PoolsConfig) Validate() error {
	if p.SessionWorkers < workersPerSession {
		return fmt.Errorf("session_workers must be at least %d, got %d", workersPerSession, p.SessionWorkers)
	}

	// acceptor, controller events, fan-out, http, encoder video and audio
	if p.ControlWorkers < 6 {
		return fmt.Errorf("control_workers must be at least 6, got %d", p.ControlWorkers)
	}

	return nil
}

// Validate validates bus configuration
func (b *BusConfig) Validate() error {
	if b.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", b.Capacity)
	}

	if b.PollTimeoutMs < 1 {
		return fmt.Errorf("poll_timeout_ms must be at least 1, got %d", b.PollTimeoutMs)
	}

	return nil
}

// Validate validates the synthetic encoder defaults
func (e *EncoderConfig) Validate() error {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", e.Width, e.Height)
	}

	if e.Bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive, got %d", e.Bitrate)
	}

	if e.FPS < 1 || e.FPS > 120 {
		return fmt.Errorf("fps must be between 1 and 120, got %d", e.FPS)
	}

	if e.GOP < 1 {
		return fmt.Errorf("gop must be at least 1, got %d", e.GOP)
	}

	if e.Rotation != 0 && e.Rotation != 90 && e.Rotation != 180 && e.Rotation != 270 {
		return fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", e.Rotation)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// Redacted returns a copy safe to expose over the HTTP API
func (c Config) Redacted() Config {
	if c.Auth.Password != "" {
		c.Auth.Password = "********"
	}
	return c
}

// GetHeartbeatInterval returns the watchdog tick interval
func (s *SessionConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// GetHeartbeatTimeout returns the inbound silence after which a session is closed
func (s *SessionConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeout) * time.Second
}

// GetAudioOfferTimeout returns how long an audio producer may wait for queue space
func (s *SessionConfig) GetAudioOfferTimeout() time.Duration {
	return time.Duration(s.AudioOfferTimeoutMs) * time.Millisecond
}

// GetSenderPollTimeout returns the video sender's queue poll timeout
func (s *SessionConfig) GetSenderPollTimeout() time.Duration {
	return time.Duration(s.SenderPollTimeoutMs) * time.Millisecond
}

// GetPollTimeout returns the fan-out stage's bus poll timeout
func (b *BusConfig) GetPollTimeout() time.Duration {
	return time.Duration(b.PollTimeoutMs) * time.Millisecond
}
