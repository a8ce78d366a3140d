package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-session-service/internal/auth"
	"github.com/skypro1111/stream-session-service/internal/pool"
	"github.com/skypro1111/stream-session-service/internal/protocol"
)

const testPassword = "secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig(testPassword)
	cfg.HeartbeatInterval = time.Hour // tests drive checkLiveness directly
	cfg.HeartbeatTimeout = 60 * time.Second
	cfg.SenderPollTimeout = 5 * time.Millisecond
	return cfg
}

// fakeClock is a settable time source
type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.now.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

// recordingConn keeps a copy of every Write so tests can check what went out in one call
type recordingConn struct {
	net.Conn
	mu     sync.Mutex
	writes []string
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, string(p))
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *recordingConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// inbound is either a text line or a binary video frame read by the test client
type inbound struct {
	line    string
	binary  bool
	header  protocol.BinaryHeader
	payload []byte
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

type harness struct {
	session *Session
	client  *testClient
	events  chan Event
	conn    *recordingConn
	pool    *pool.Pool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	rec := &recordingConn{Conn: serverConn}
	events := make(chan Event, 64)

	all := append([]Option{WithEvents(events), WithLogger(testLogger())}, opts...)
	s := New(rec, cfg, all...)
	p := pool.New(pool.Session, WorkerCount, testLogger())
	require.NoError(t, s.Start(p))

	t.Cleanup(func() {
		s.Close(CloseStopped)
		clientConn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Wait(ctx)
	})

	return &harness{
		session: s,
		client:  &testClient{t: t, conn: clientConn},
		events:  events,
		conn:    rec,
		pool:    p,
	}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(c.t, protocol.WriteLine(c.conn, line))
}

func (c *testClient) sendRaw(b []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(3*time.Second)))
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) read() (inbound, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return inbound{}, err
	}
	first, err := protocol.ReadExact(c.conn, 1)
	if err != nil {
		return inbound{}, err
	}

	if first[0] == protocol.BinaryFrameMarker {
		rest, err := protocol.ReadExact(c.conn, protocol.BinaryHeaderSize-1)
		if err != nil {
			return inbound{}, err
		}
		header, err := protocol.ParseBinaryHeader(append(first, rest...))
		if err != nil {
			return inbound{}, err
		}
		payload, err := protocol.ReadExact(c.conn, int(header.Length))
		if err != nil {
			return inbound{}, err
		}
		return inbound{binary: true, header: header, payload: payload}, nil
	}

	if first[0] == '\n' {
		return inbound{}, nil
	}
	rest, err := protocol.ReadLine(c.conn, 1<<16)
	if err != nil {
		return inbound{}, err
	}
	return inbound{line: string(first) + rest}, nil
}

func (c *testClient) next() inbound {
	c.t.Helper()
	in, err := c.read()
	require.NoError(c.t, err)
	return in
}

// expectLine reads the next item and requires it to be a line with the given key
func (c *testClient) expectLine(key string) protocol.Message {
	c.t.Helper()
	in := c.next()
	require.False(c.t, in.binary, "expected %s line, got binary frame %s", key, in.header)
	msg, err := protocol.Parse(in.line)
	require.NoError(c.t, err)
	require.Equal(c.t, key, msg.Key, "line: %q", in.line)
	return msg
}

func (c *testClient) expectExactLine(line string) {
	c.t.Helper()
	in := c.next()
	require.False(c.t, in.binary, "expected %q, got binary frame %s", line, in.header)
	require.Equal(c.t, line, in.line)
}

func (c *testClient) expectFrame() inbound {
	c.t.Helper()
	in := c.next()
	require.True(c.t, in.binary, "expected binary frame, got line %q", in.line)
	return in
}

// expectClosed reads until the server side is gone
func (c *testClient) expectClosed() {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		if _, err := c.read(); err != nil {
			require.ErrorIs(c.t, err, io.EOF)
			return
		}
	}
	c.t.Fatalf("connection still open")
}

// handshake performs HELLO/AUTH and consumes the session batch; it returns the session id
func (c *testClient) handshake(version int) string {
	c.t.Helper()
	c.send(protocol.Line(protocol.CmdHello, protocol.KV("version", version)))
	challenge := c.expectLine(protocol.MsgAuthChallenge)
	salt, ok := challenge.Field("salt")
	require.True(c.t, ok)

	c.send(protocol.Line(protocol.CmdAuthResponse, protocol.KV("hash", auth.Sign(testPassword, salt))))
	c.expectExactLine(protocol.MsgAuthOK)
	id, _ := c.expectLine(protocol.MsgSession).Field("id")
	c.expectLine(protocol.MsgProto)
	c.expectLine(protocol.MsgStreamState)
	return id
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no session event")
		return Event{}
	}
}

func (h *harness) expectEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	for {
		ev := h.nextEvent(t)
		if ev.Type == typ {
			return ev
		}
	}
}

func flipLastHex(h string) string {
	last := h[len(h)-1]
	repl := "0"
	if last == '0' {
		repl = "1"
	}
	return strings.TrimSuffix(h, string(last)) + repl
}
