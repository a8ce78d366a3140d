package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/config"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/pool"
)

const (
	minFrameBytes = 64
	maxFrameBytes = 512 * 1024

	audioSampleRate      = 48000
	audioChannels        = 1
	audioSamplesPerFrame = 1024 // one AAC-LC access unit
	audioFrameBytes      = 170  // ~64 kbit/s
	audioFormat          = "aac"

	maxZoom = 10.0
)

// SyntheticConfig holds the synthetic source defaults
type SyntheticConfig struct {
	Stream       media.StreamConfig
	GOP          int
	Rotation     int
	AudioEnabled bool
}

// SyntheticConfigFrom converts the encoder section of the service configuration
func SyntheticConfigFrom(c config.EncoderConfig) SyntheticConfig {
	return SyntheticConfig{
		Stream: media.StreamConfig{
			Width:   c.Width,
			Height:  c.Height,
			Bitrate: c.Bitrate,
			FPS:     c.FPS,
		},
		GOP:          c.GOP,
		Rotation:     c.Rotation,
		AudioEnabled: c.AudioEnabled,
	}
}

// SyntheticStats is a snapshot of source counters
type SyntheticStats struct {
	Running        bool               `json:"running"`
	Holders        int                `json:"holders"`
	Config         media.StreamConfig `json:"config"`
	FramesProduced uint64             `json:"frames_produced"`
	KeyFrames      uint64             `json:"key_frames"`
	AudioProduced  uint64             `json:"audio_produced"`
	UplinkFrames   uint64             `json:"uplink_frames"`
	UplinkBytes    uint64             `json:"uplink_bytes"`
	Recording      bool               `json:"recording"`
	Rotation       int                `json:"rotation"`
	FrontFacing    bool               `json:"front_facing"`
	Zoom           float64            `json:"zoom"`
}

// Synthetic is a test-pattern Source. Video is published to a frame bus at the configured
// fps with a keyframe every GOP frames; audio goes to registered listeners.
// Its workers run on the supplied pool only while it is acquired.
type Synthetic struct {
	bus     *framebus.Bus
	workers *pool.Pool
	logger  *slog.Logger

	mu          sync.Mutex
	holders     int
	cancel      context.CancelFunc
	cfg         media.StreamConfig
	gop         int
	frameIndex  int
	ptsMicros   int64
	forceKey    bool
	recording   bool
	rotation    int
	frontFacing bool
	zoom        float64
	audioOn     bool

	listenersMu sync.RWMutex
	listeners   map[string]AudioListener

	framesProduced atomic.Uint64
	keyFrames      atomic.Uint64
	audioProduced  atomic.Uint64
	uplinkFrames   atomic.Uint64
	uplinkBytes    atomic.Uint64
}

// NewSynthetic creates a stopped synthetic source
func NewSynthetic(cfg SyntheticConfig, bus *framebus.Bus, workers *pool.Pool, logger *slog.Logger) (*Synthetic, error) {
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("synthetic source: %w", err)
	}
	if cfg.GOP < 1 {
		return nil, fmt.Errorf("synthetic source: gop must be at least 1, got %d", cfg.GOP)
	}
	return &Synthetic{
		bus:       bus,
		workers:   workers,
		logger:    logger.With(slog.String("component", "synthetic_source")),
		cfg:       cfg.Stream,
		gop:       cfg.GOP,
		rotation:  cfg.Rotation,
		zoom:      1.0,
		audioOn:   cfg.AudioEnabled,
		forceKey:  true,
		listeners: make(map[string]AudioListener),
	}, nil
}

// Acquire adds a holder and starts the producers on the first one
func (s *Synthetic) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holders > 0 {
		s.holders++
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	tasks := []pool.Task{{Name: "encoder-video", Run: func() { s.videoLoop(ctx) }}}
	if s.audioOn {
		tasks = append(tasks, pool.Task{Name: "encoder-audio", Run: func() { s.audioLoop(ctx) }})
	}
	if err := s.workers.GoGroup(tasks...); err != nil {
		cancel()
		return fmt.Errorf("starting synthetic source: %w", err)
	}

	s.holders = 1
	s.cancel = cancel
	s.forceKey = true
	s.logger.Info("Synthetic source started", slog.String("config", s.cfg.String()))
	return nil
}

// Release drops a holder and stops the producers after the last one
func (s *Synthetic) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holders == 0 {
		return ErrNotAcquired
	}
	s.holders--
	if s.holders > 0 {
		return nil
	}

	s.cancel()
	s.cancel = nil
	s.logger.Info("Synthetic source stopped",
		slog.Uint64("frames_produced", s.framesProduced.Load()),
	)
	return nil
}

// Running reports whether the producers are active
func (s *Synthetic) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders > 0
}

// Configure switches the encoding profile and forces a keyframe
func (s *Synthetic) Configure(cfg media.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.forceKey = true
	s.mu.Unlock()

	s.logger.Info("Synthetic source configured", slog.String("config", cfg.String()))
	return nil
}

// RequestKeyFrame makes the next produced frame a keyframe
func (s *Synthetic) RequestKeyFrame() {
	s.mu.Lock()
	s.forceKey = true
	s.mu.Unlock()
}

// Apply executes a stream-control command
func (s *Synthetic) Apply(cmd command.StreamCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case command.StartRecording:
		s.recording = true
	case command.StopRecording:
		s.recording = false
	case command.RequestKeyFrame:
		s.forceKey = true
	case command.SwitchCamera:
		s.frontFacing = !s.frontFacing
		s.rotation = (s.rotation + 180) % 360
		s.forceKey = true
	case command.Zoom:
		s.zoom = min(max(cmd.Ratio, 1.0), maxZoom)
	case command.AdjustBitrate:
		if cmd.Bitrate <= 0 {
			return fmt.Errorf("%w: bitrate must be positive", command.ErrInvalidArgument)
		}
		s.cfg.Bitrate = cmd.Bitrate
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
	}

	s.logger.Debug("Command applied", slog.String("command", cmd.String()))
	return nil
}

// CodecConfig returns SPS/PPS for the current profile
func (s *Synthetic) CodecConfig() media.CodecConfig {
	s.mu.Lock()
	w, h := s.cfg.Width, s.cfg.Height
	s.mu.Unlock()

	return media.CodecConfig{
		SPS: []byte{0x67, 0x42, 0xc0, 0x1f, byte(w >> 8), byte(w), byte(h >> 8), byte(h)},
		PPS: []byte{0x68, 0xce, 0x3c, 0x80},
	}
}

// Rotation returns the sensor rotation in degrees
func (s *Synthetic) Rotation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

// Recording reports whether recording is on
func (s *Synthetic) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// AddAudioListener registers fn under id; duplicates are refused so no frame is delivered twice
func (s *Synthetic) AddAudioListener(id string, fn AudioListener) bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	if _, exists := s.listeners[id]; exists {
		return false
	}
	s.listeners[id] = fn
	return true
}

// RemoveAudioListener unregisters id
func (s *Synthetic) RemoveAudioListener(id string) bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	if _, exists := s.listeners[id]; !exists {
		return false
	}
	delete(s.listeners, id)
	return true
}

// PlayUplink accepts viewer talkback; the synthetic device has no speaker, so it is counted
func (s *Synthetic) PlayUplink(sessionID string, data []byte) error {
	s.uplinkFrames.Add(1)
	s.uplinkBytes.Add(uint64(len(data)))
	s.logger.Debug("Talkback audio received",
		slog.String("session_id", sessionID),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Stats returns current source counters
func (s *Synthetic) Stats() SyntheticStats {
	s.mu.Lock()
	stats := SyntheticStats{
		Running:     s.holders > 0,
		Holders:     s.holders,
		Config:      s.cfg,
		Recording:   s.recording,
		Rotation:    s.rotation,
		FrontFacing: s.frontFacing,
		Zoom:        s.zoom,
	}
	s.mu.Unlock()

	stats.FramesProduced = s.framesProduced.Load()
	stats.KeyFrames = s.keyFrames.Load()
	stats.AudioProduced = s.audioProduced.Load()
	stats.UplinkFrames = s.uplinkFrames.Load()
	stats.UplinkBytes = s.uplinkBytes.Load()
	return stats
}

func (s *Synthetic) frameInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Second / time.Duration(s.cfg.FPS)
}

func (s *Synthetic) videoLoop(ctx context.Context) {
	interval := s.frameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.bus.Publish(s.nextFrame(now))

			if next := s.frameInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// nextFrame builds one access unit: Annex-B start code, NAL header, filler
func (s *Synthetic) nextFrame(now time.Time) *media.EncodedFrame {
	s.mu.Lock()
	key := s.forceKey || s.frameIndex%s.gop == 0
	if key {
		s.frameIndex = 0
		s.forceKey = false
	}
	s.frameIndex++

	size := s.cfg.Bitrate / 8 / s.cfg.FPS
	if key {
		size *= 4
	}
	size = min(max(size, minFrameBytes), maxFrameBytes)

	pts := s.ptsMicros
	s.ptsMicros += int64(time.Second/time.Microsecond) / int64(s.cfg.FPS)
	index := s.frameIndex
	s.mu.Unlock()

	payload := make([]byte, size)
	copy(payload, []byte{0x00, 0x00, 0x00, 0x01})
	if key {
		payload[4] = 0x65 // IDR slice
	} else {
		payload[4] = 0x41 // non-IDR slice
	}
	for i := 5; i < len(payload); i++ {
		payload[i] = byte(index + i)
	}

	s.framesProduced.Add(1)
	if key {
		s.keyFrames.Add(1)
	}
	return &media.EncodedFrame{
		Payload:                payload,
		IsKeyFrame:             key,
		PresentationTimeMicros: pts,
		CaptureEpochMillis:     now.UnixMilli(),
	}
}

func (s *Synthetic) audioLoop(ctx context.Context) {
	interval := time.Second * audioSamplesPerFrame / audioSampleRate
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ts int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliverAudio(&media.AudioFrame{
				Payload:         make([]byte, audioFrameBytes),
				Format:          audioFormat,
				TimestampMicros: ts,
				SampleRate:      audioSampleRate,
				Channels:        audioChannels,
			})
			ts += int64(interval / time.Microsecond)
		}
	}
}

func (s *Synthetic) deliverAudio(frame *media.AudioFrame) {
	s.listenersMu.RLock()
	listeners := make([]AudioListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	s.audioProduced.Add(1)
	for _, fn := range listeners {
		fn(frame)
	}
}
