package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-session-service/internal/auth"
	"github.com/skypro1111/stream-session-service/internal/command"
	"github.com/skypro1111/stream-session-service/internal/encoder"
	"github.com/skypro1111/stream-session-service/internal/framebus"
	"github.com/skypro1111/stream-session-service/internal/media"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/protocol"
	"github.com/skypro1111/stream-session-service/internal/session"
)

const testPassword = "secret"

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0x05, 0x00, 0x02, 0xd0}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource records what the controller asks of the encoder
type fakeSource struct {
	mu           sync.Mutex
	holders      int
	acquires     int
	releases     int
	configured   []media.StreamConfig
	keyRequests  int
	applied      []command.StreamCommand
	recording    bool
	rotation     int
	configureErr error
	listeners    map[string]encoder.AudioListener
	uplinks      map[string]int
}

var (
	_ encoder.Source    = (*fakeSource)(nil)
	_ encoder.AudioSink = (*fakeSource)(nil)
)

func newFakeSource() *fakeSource {
	return &fakeSource{
		listeners: make(map[string]encoder.AudioListener),
		uplinks:   make(map[string]int),
	}
}

func (f *fakeSource) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders++
	f.acquires++
	return nil
}

func (f *fakeSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders == 0 {
		return encoder.ErrNotAcquired
	}
	f.holders--
	f.releases++
	return nil
}

func (f *fakeSource) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holders > 0
}

func (f *fakeSource) Configure(cfg media.StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = append(f.configured, cfg)
	return nil
}

func (f *fakeSource) RequestKeyFrame() {
	f.mu.Lock()
	f.keyRequests++
	f.mu.Unlock()
}

func (f *fakeSource) Apply(cmd command.StreamCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cmd)
	switch cmd.Kind {
	case command.StartRecording:
		f.recording = true
	case command.StopRecording:
		f.recording = false
	case command.SwitchCamera:
		f.rotation = (f.rotation + 180) % 360
	case command.Zoom:
		return encoder.ErrUnsupportedCommand
	}
	return nil
}

func (f *fakeSource) CodecConfig() media.CodecConfig {
	return media.CodecConfig{SPS: testSPS, PPS: testPPS}
}

func (f *fakeSource) Rotation() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotation
}

func (f *fakeSource) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeSource) AddAudioListener(id string, fn encoder.AudioListener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[id]; ok {
		return false
	}
	f.listeners[id] = fn
	return true
}

func (f *fakeSource) RemoveAudioListener(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.listeners[id]
	delete(f.listeners, id)
	return ok
}

func (f *fakeSource) PlayUplink(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uplinks[sessionID] += len(data)
	return nil
}

func (f *fakeSource) emitAudio(frame *media.AudioFrame) {
	f.mu.Lock()
	fns := make([]encoder.AudioListener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

func (f *fakeSource) snapshot() fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeSource{
		holders:     f.holders,
		acquires:    f.acquires,
		releases:    f.releases,
		configured:  append([]media.StreamConfig(nil), f.configured...),
		keyRequests: f.keyRequests,
		applied:     append([]command.StreamCommand(nil), f.applied...),
	}
}

type fixture struct {
	t        *testing.T
	ctrl     *Controller
	source   *fakeSource
	bus      *framebus.Bus
	manager  *session.Manager
	sessions *pool.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	source := newFakeSource()
	bus := framebus.NewBus(8)
	manager := session.NewManager(testLogger())
	control := pool.New(pool.Control, 4, testLogger())
	sessions := pool.New(pool.Session, 4*session.WorkerCount, testLogger())

	ctrl, err := New(Config{
		Source:      source,
		Sink:        source,
		Bus:         bus,
		Manager:     manager,
		Workers:     control,
		Logger:      testLogger(),
		PollTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Start(ctx))

	t.Cleanup(func() {
		manager.StopAll()
		cancel()
		ctrl.Stop()
		bus.Close()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer waitCancel()
		_ = sessions.Wait(waitCtx)
		_ = control.Wait(waitCtx)
	})

	return &fixture{t: t, ctrl: ctrl, source: source, bus: bus, manager: manager, sessions: sessions}
}

// viewer is a minimal protocol client on one end of a pipe
type viewer struct {
	t       *testing.T
	conn    net.Conn
	session *session.Session
}

func (f *fixture) connect() *viewer {
	f.t.Helper()
	return f.connectWith(func(*session.Config) {})
}

func (f *fixture) connectWith(tune func(*session.Config)) *viewer {
	f.t.Helper()

	serverConn, clientConn := net.Pipe()
	cfg := session.DefaultConfig(testPassword)
	cfg.HeartbeatInterval = time.Hour
	cfg.SenderPollTimeout = 5 * time.Millisecond
	tune(&cfg)

	s := session.New(serverConn, cfg,
		session.WithEvents(f.ctrl.Events()),
		session.WithLogger(testLogger()),
	)
	require.NoError(f.t, f.manager.Add(s))
	require.NoError(f.t, s.Start(f.sessions))

	f.t.Cleanup(func() { clientConn.Close() })
	return &viewer{t: f.t, conn: clientConn, session: s}
}

func (v *viewer) send(line string) {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(v.t, protocol.WriteLine(v.conn, line))
}

func (v *viewer) expectLine(want string) {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := protocol.ReadLine(v.conn, 1<<16)
	require.NoError(v.t, err)
	require.Equal(v.t, want, line)
}

func (v *viewer) expectKey(key string) protocol.Message {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := protocol.ReadLine(v.conn, 1<<16)
	require.NoError(v.t, err)
	msg, err := protocol.Parse(line)
	require.NoError(v.t, err)
	require.Equal(v.t, key, msg.Key, "line: %q", line)
	return msg
}

func (v *viewer) expectRaw(want []byte) {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := protocol.ReadExact(v.conn, len(want))
	require.NoError(v.t, err)
	require.Equal(v.t, want, got)
}

func (v *viewer) expectFrame() (protocol.BinaryHeader, []byte) {
	v.t.Helper()
	require.NoError(v.t, v.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	raw, err := protocol.ReadExact(v.conn, protocol.BinaryHeaderSize)
	require.NoError(v.t, err)
	require.Equal(v.t, byte(protocol.BinaryFrameMarker), raw[0])
	header, err := protocol.ParseBinaryHeader(raw)
	require.NoError(v.t, err)
	payload, err := protocol.ReadExact(v.conn, int(header.Length))
	require.NoError(v.t, err)
	return header, payload
}

func (v *viewer) handshake() {
	v.t.Helper()
	v.send("HELLO|version=3")
	salt, ok := v.expectKey(protocol.MsgAuthChallenge).Field("salt")
	require.True(v.t, ok)
	v.send(protocol.Line(protocol.CmdAuthResponse, protocol.KV("hash", auth.Sign(testPassword, salt))))
	v.expectLine(protocol.MsgAuthOK)
	v.expectKey(protocol.MsgSession)
	v.expectKey(protocol.MsgProto)
	v.expectKey(protocol.MsgStreamState)
}

// requestStream sends CAPS and SET_STREAM and consumes the session's own RECONFIGURING
// notice; the controller's reply is left for the caller
func (v *viewer) requestStream(setStream string) {
	v.t.Helper()
	v.send("CAPS|maxWidth=1920|maxHeight=1080|maxBitrate=4000000")
	v.expectLine("CAPS_OK")
	v.send(setStream)
	v.expectKey(protocol.MsgStreamState)
}

func (v *viewer) expectCodecConfig(epoch string) {
	v.t.Helper()
	v.expectLine("CSD|epoch=" + epoch + "|sps=8|pps=4")
	v.expectRaw(append(append([]byte(nil), testSPS...), testPPS...))
}

const hd = "SET_STREAM|width=1280|height=720|bitrate=2000000|fps=30"

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStreamRequestStartsEpochWithCodecConfig(t *testing.T) {
	f := newFixture(t)
	v := f.connect()
	v.handshake()
	v.requestStream(hd)

	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectCodecConfig("1")

	require.Eventually(t, func() bool { return f.source.snapshot().keyRequests == 1 },
		time.Second, 5*time.Millisecond)
	snap := f.source.snapshot()
	assert.Equal(t, []media.StreamConfig{{Width: 1280, Height: 720, Bitrate: 2000000, FPS: 30}}, snap.configured)
	assert.Equal(t, 1, snap.acquires)

	f.bus.Publish(&media.EncodedFrame{Payload: []byte{0, 0, 0, 1, 0x65, 0xaa}, IsKeyFrame: true})
	header, payload := v.expectFrame()
	assert.True(t, header.KeyFrame())
	assert.Equal(t, uint32(1), header.Epoch)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xaa}, payload)
	v.expectLine("STREAM_STATE|1|epoch=1")

	require.Eventually(t, func() bool { return f.ctrl.Stats().FramesFanned == 1 },
		time.Second, 5*time.Millisecond)
	stats := f.ctrl.Stats()
	assert.Equal(t, uint32(1), stats.Epoch)
	assert.Equal(t, 1, stats.CaptureHolders)
}

func TestProfileChangeReepochsOtherViewers(t *testing.T) {
	f := newFixture(t)

	first := f.connect()
	first.handshake()
	first.requestStream(hd)
	first.expectLine("STREAM_STATE|2|epoch=1")
	first.expectCodecConfig("1")

	// same profile: the encoder is left alone and the first viewer keeps its epoch
	second := f.connect()
	second.handshake()
	second.requestStream(hd)
	second.expectLine("STREAM_STATE|2|epoch=2")
	second.expectCodecConfig("2")
	assert.Len(t, f.source.snapshot().configured, 1)

	second.send("SET_STREAM|width=640|height=480|bitrate=800000|fps=15")
	second.expectKey(protocol.MsgStreamState)
	second.expectLine("STREAM_STATE|2|epoch=3")
	second.expectCodecConfig("3")

	first.expectLine("STREAM_STATE|2|epoch=4")
	first.expectCodecConfig("4")

	snap := f.source.snapshot()
	assert.Len(t, snap.configured, 2)
	assert.Equal(t, 2, snap.acquires, "one capture hold per viewer")
	assert.Equal(t, 2, f.ctrl.Stats().CaptureHolders)
}

func TestConfigureFailureStopsStream(t *testing.T) {
	f := newFixture(t)
	f.source.mu.Lock()
	f.source.configureErr = errors.New("encoder busy")
	f.source.mu.Unlock()

	v := f.connect()
	v.handshake()
	v.requestStream(hd)
	v.expectLine("STREAM_STATE|4|epoch=0")

	assert.Zero(t, f.source.snapshot().acquires)
	assert.Zero(t, f.ctrl.Stats().CaptureHolders)
}

func TestConfigureFailureStopsRunningStream(t *testing.T) {
	f := newFixture(t)
	v := f.connect()
	v.handshake()
	v.requestStream(hd)
	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectCodecConfig("1")

	f.source.mu.Lock()
	f.source.configureErr = errors.New("encoder busy")
	f.source.mu.Unlock()

	v.send("SET_STREAM|width=640|height=480|bitrate=800000|fps=15")
	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectLine("STREAM_STATE|4|epoch=1")
	require.Eventually(t, func() bool { return !v.session.Streaming() }, time.Second, 5*time.Millisecond)

	// video published after STOPPED never reaches the viewer
	f.bus.Publish(&media.EncodedFrame{Payload: []byte{0, 0, 0, 1, 0x65}, IsKeyFrame: true})
	require.Eventually(t, func() bool { return f.bus.Depth() == 0 }, time.Second, 5*time.Millisecond)
	v.send("PING|tsMs=1")
	v.expectKey(protocol.MsgPong)
	assert.Equal(t, session.StateAuthenticated, v.session.State())
}

func TestCommandsBroadcastState(t *testing.T) {
	f := newFixture(t)

	a := f.connect()
	a.handshake()
	b := f.connect()
	b.handshake()

	a.send("START_RECORDING")
	a.expectLine("RECORDING|active=true")
	b.expectLine("RECORDING|active=true")

	b.send("SWITCH_CAMERA")
	a.expectLine("ENC_ROT|deg=180")
	b.expectLine("ENC_ROT|deg=180")

	// a command the source refuses produces no broadcast
	a.send("ZOOM|ratio=2")
	a.send("STOP_RECORDING")
	a.expectLine("RECORDING|active=false")

	kinds := make([]command.Kind, 0, 4)
	for _, cmd := range f.source.snapshot().applied {
		kinds = append(kinds, cmd.Kind)
	}
	assert.Equal(t, []command.Kind{
		command.StartRecording, command.SwitchCamera, command.Zoom, command.StopRecording,
	}, kinds)
}

func TestKeyFrameRequestResendsCodecConfig(t *testing.T) {
	f := newFixture(t)
	v := f.connect()
	v.handshake()
	v.requestStream(hd)
	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectCodecConfig("1")

	v.send("REQ_KEYFRAME")
	v.expectCodecConfig("1")

	require.Eventually(t, func() bool { return len(f.source.snapshot().applied) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, command.RequestKeyFrame, f.source.snapshot().applied[0].Kind)
}

func TestStalledViewerDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)

	stalled := f.connectWith(func(cfg *session.Config) { cfg.ControlQueueCapacity = 8 })
	stalled.handshake()
	healthy := f.connect()
	healthy.handshake()

	// stalled never reads again; every broadcast lands in its control queue
	for i := 0; i < 16; i++ {
		if i%2 == 0 {
			healthy.send("START_RECORDING")
			healthy.expectLine("RECORDING|active=true")
		} else {
			healthy.send("STOP_RECORDING")
			healthy.expectLine("RECORDING|active=false")
		}
	}

	require.Eventually(t, func() bool {
		return stalled.session.CloseReason() == session.CloseOverflow
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.manager.Count() == 1 }, time.Second, 5*time.Millisecond)

	// the controller still serves the healthy viewer
	healthy.requestStream(hd)
	healthy.expectLine("STREAM_STATE|2|epoch=1")
	healthy.expectCodecConfig("1")
}

func TestAudioFlowsBothWays(t *testing.T) {
	f := newFixture(t)
	v := f.connect()
	v.handshake()
	v.requestStream(hd)
	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectCodecConfig("1")

	v.send("AUDIO_FRAME|size=4")
	require.NoError(t, v.conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	_, err := v.conn.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.source.mu.Lock()
		defer f.source.mu.Unlock()
		return f.source.uplinks[v.session.ID()] == 4
	}, time.Second, 5*time.Millisecond)

	f.source.emitAudio(&media.AudioFrame{Payload: []byte{9, 9}, Format: "aac", TimestampMicros: 10, SampleRate: 48000, Channels: 1})
	msg := v.expectKey(protocol.MsgAudioFrame)
	size, err := msg.Int("size")
	require.NoError(t, err)
	require.Equal(t, 2, size)
	v.expectRaw([]byte{9, 9})
}

func TestDisconnectReleasesCapture(t *testing.T) {
	f := newFixture(t)
	v := f.connect()
	v.handshake()
	v.requestStream(hd)
	v.expectLine("STREAM_STATE|2|epoch=1")
	v.expectCodecConfig("1")

	require.NoError(t, v.conn.Close())

	require.Eventually(t, func() bool {
		return f.manager.Count() == 0 && f.source.snapshot().releases == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.ctrl.Stats().CaptureHolders)
	assert.False(t, f.source.Running())
}
