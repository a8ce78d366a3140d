package encoder

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSource(t *testing.T, audio bool) (*Synthetic, *framebus.Bus, *pool.Pool) {
	t.Helper()
	bus := framebus.NewBus(30)
	p := pool.New(pool.Control, 4, testLogger())
	src, err := NewSynthetic(SyntheticConfig{
		Stream:       media.StreamConfig{Width: 640, Height: 480, Bitrate: 800_000, FPS: 100},
		GOP:          5,
		AudioEnabled: audio,
	}, bus, p, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		for src.Running() {
			_ = src.Release()
		}
	})
	return src, bus, p
}

func TestNewSyntheticValidates(t *testing.T) {
	bus := framebus.NewBus(1)
	p := pool.New(pool.Control, 1, testLogger())

	_, err := NewSynthetic(SyntheticConfig{Stream: media.StreamConfig{Width: 0, Height: 1, Bitrate: 1, FPS: 1}, GOP: 1}, bus, p, testLogger())
	assert.ErrorIs(t, err, media.ErrInvalidConfig)

	_, err = NewSynthetic(SyntheticConfig{Stream: media.StreamConfig{Width: 1, Height: 1, Bitrate: 1, FPS: 1}}, bus, p, testLogger())
	assert.Error(t, err)
}

func TestAcquireReleaseIsReferenceCounted(t *testing.T) {
	src, _, p := newTestSource(t, true)

	require.NoError(t, src.Acquire())
	require.NoError(t, src.Acquire())
	assert.True(t, src.Running())
	assert.Equal(t, 2, src.Stats().Holders)
	assert.Equal(t, int64(2), p.Stats().Active, "video and audio producers start once")

	require.NoError(t, src.Release())
	assert.True(t, src.Running())

	require.NoError(t, src.Release())
	assert.False(t, src.Running())
	assert.ErrorIs(t, src.Release(), ErrNotAcquired)

	require.Eventually(t, func() bool { return p.Stats().Active == 0 }, time.Second, 5*time.Millisecond)
}

func TestAcquireFailsWhenPoolIsFull(t *testing.T) {
	bus := framebus.NewBus(1)
	p := pool.New(pool.Control, 1, testLogger())
	src, err := NewSynthetic(SyntheticConfig{
		Stream:       media.StreamConfig{Width: 64, Height: 64, Bitrate: 1000, FPS: 1},
		GOP:          1,
		AudioEnabled: true,
	}, bus, p, testLogger())
	require.NoError(t, err)

	assert.ErrorIs(t, src.Acquire(), pool.ErrPoolExhausted)
	assert.False(t, src.Running())
}

func TestProducesKeyFramesEveryGOP(t *testing.T) {
	src, _, _ := newTestSource(t, false)
	now := time.Now()

	var keys []bool
	for i := 0; i < 11; i++ {
		keys = append(keys, src.nextFrame(now).IsKeyFrame)
	}
	assert.Equal(t, []bool{true, false, false, false, false, true, false, false, false, false, true}, keys)

	src.RequestKeyFrame()
	assert.True(t, src.nextFrame(now).IsKeyFrame)
	assert.False(t, src.nextFrame(now).IsKeyFrame)
}

func TestFrameShape(t *testing.T) {
	src, _, _ := newTestSource(t, false)
	now := time.UnixMilli(1_700_000_000_000)

	key := src.nextFrame(now)
	delta := src.nextFrame(now)

	assert.Equal(t, []byte{0, 0, 0, 1, 0x65}, key.Payload[:5])
	assert.Equal(t, []byte{0, 0, 0, 1, 0x41}, delta.Payload[:5])
	assert.Equal(t, 4*len(delta.Payload), len(key.Payload))
	assert.Equal(t, int64(10_000), delta.PresentationTimeMicros-key.PresentationTimeMicros)
	assert.Equal(t, now.UnixMilli(), key.CaptureEpochMillis)
}

func TestRunningSourcePublishesToBus(t *testing.T) {
	src, bus, _ := newTestSource(t, false)
	require.NoError(t, src.Acquire())

	frame, ok := bus.Next(time.Second)
	require.True(t, ok)
	assert.True(t, frame.IsKeyFrame, "first frame after start is a keyframe")
}

func TestConfigureForcesKeyFrame(t *testing.T) {
	src, _, _ := newTestSource(t, false)
	now := time.Now()
	src.nextFrame(now)
	src.nextFrame(now)

	require.Error(t, src.Configure(media.StreamConfig{Width: 1, Height: 1, Bitrate: 1, FPS: 500}))
	require.NoError(t, src.Configure(media.StreamConfig{Width: 1280, Height: 720, Bitrate: 2_000_000, FPS: 30}))
	assert.True(t, src.nextFrame(now).IsKeyFrame)

	csd := src.CodecConfig()
	assert.Equal(t, byte(0x67), csd.SPS[0])
	assert.Equal(t, []byte{0x05, 0x00, 0x02, 0xd0}, csd.SPS[4:8])
	assert.Equal(t, byte(0x68), csd.PPS[0])
}

func TestApplyCommands(t *testing.T) {
	src, _, _ := newTestSource(t, false)

	require.NoError(t, src.Apply(command.StreamCommand{Kind: command.StartRecording}))
	assert.True(t, src.Recording())
	require.NoError(t, src.Apply(command.StreamCommand{Kind: command.StopRecording}))
	assert.False(t, src.Recording())

	require.NoError(t, src.Apply(command.StreamCommand{Kind: command.SwitchCamera}))
	assert.Equal(t, 180, src.Rotation())
	assert.True(t, src.Stats().FrontFacing)

	require.NoError(t, src.Apply(command.StreamCommand{Kind: command.Zoom, Ratio: 40}))
	assert.Equal(t, maxZoom, src.Stats().Zoom)

	require.NoError(t, src.Apply(command.StreamCommand{Kind: command.AdjustBitrate, Bitrate: 500_000}))
	assert.Equal(t, 500_000, src.Stats().Config.Bitrate)
	assert.ErrorIs(t, src.Apply(command.StreamCommand{Kind: command.AdjustBitrate}), command.ErrInvalidArgument)

	assert.ErrorIs(t, src.Apply(command.StreamCommand{Kind: command.Kind(99)}), ErrUnsupportedCommand)
}

func TestAudioListenersAreASet(t *testing.T) {
	src, _, _ := newTestSource(t, true)

	var calls atomic.Int32
	fn := func(*media.AudioFrame) { calls.Add(1) }

	assert.True(t, src.AddAudioListener("controller", fn))
	assert.False(t, src.AddAudioListener("controller", fn), "duplicate registration must be refused")

	src.deliverAudio(&media.AudioFrame{Payload: []byte{1}})
	assert.Equal(t, int32(1), calls.Load(), "one registration means one delivery")

	assert.True(t, src.RemoveAudioListener("controller"))
	assert.False(t, src.RemoveAudioListener("controller"))
	src.deliverAudio(&media.AudioFrame{Payload: []byte{1}})
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlayUplinkCounts(t *testing.T) {
	src, _, _ := newTestSource(t, false)
	require.NoError(t, src.PlayUplink("s1", make([]byte, 10)))
	require.NoError(t, src.PlayUplink("s1", make([]byte, 5)))

	stats := src.Stats()
	assert.Equal(t, uint64(2), stats.UplinkFrames)
	assert.Equal(t, uint64(15), stats.UplinkBytes)
}

var _ Source = (*Synthetic)(nil)
var _ AudioSink = (*Synthetic)(nil)
