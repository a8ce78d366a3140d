package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleSession(t *testing.T, clock *fakeClock, id string) *Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return New(server, testConfig(), WithLogger(testLogger()), WithClock(clock.Now), WithID(id))
}

func TestManager_AddGetRemove(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())
	s := newIdleSession(t, clock, "a")

	require.NoError(t, m.Add(s))
	assert.ErrorIs(t, m.Add(s), ErrDuplicateSession, "duplicate registration must be refused")
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.True(t, m.Remove("a"))
	assert.False(t, m.Remove("a"))
	assert.Equal(t, 0, m.Count())
}

func TestManager_SnapshotIsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())

	ids := []string{"first", "second", "third"}
	for _, id := range ids {
		require.NoError(t, m.Add(newIdleSession(t, clock, id)))
		clock.Advance(time.Second)
	}

	infos := m.Snapshot()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, ids[i], info.ID)
		assert.Equal(t, StateConnecting.String(), info.State)
		assert.False(t, info.Authenticated)
	}
	assert.Equal(t, 2*time.Second, infos[1].Uptime)
}

func TestManager_BroadcastVisitsEachSessionOnce(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(newIdleSession(t, clock, id)))
	}

	seen := map[string]int{}
	m.Broadcast(func(s *Session) { seen[s.ID()]++ })
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestManager_StopAll(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())
	a := newIdleSession(t, clock, "a")
	b := newIdleSession(t, clock, "b")
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))

	m.StopAll()

	assert.Equal(t, 0, m.Count())
	for _, s := range []*Session{a, b} {
		assert.Equal(t, StateDisconnected, s.State())
		assert.Equal(t, CloseStopped, s.CloseReason())
	}
}

func TestManager_ClosedSessionUnregistersWithoutController(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())

	// nobody consumes events, as with a controller that is backed up
	events := make(chan Event)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	s := New(server, testConfig(), WithLogger(testLogger()), WithClock(clock.Now), WithEvents(events))
	require.NoError(t, m.Add(s))
	require.NoError(t, m.Add(newIdleSession(t, clock, "other")))

	start := time.Now()
	s.Close(CloseIO)
	assert.Less(t, time.Since(start), eventSendTimeout, "close must not wait on the controller")

	assert.Equal(t, 1, m.Count())
	_, ok := m.Get(s.ID())
	assert.False(t, ok)
	_, ok = m.Get("other")
	assert.True(t, ok)
}

func TestManager_CloseHookKeepsReplacement(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testLogger())
	old := newIdleSession(t, clock, "a")
	require.NoError(t, m.Add(old))
	require.True(t, m.Remove("a"))

	replacement := newIdleSession(t, clock, "a")
	require.NoError(t, m.Add(replacement))

	old.Close(CloseStopped)
	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}
