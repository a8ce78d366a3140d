package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu       sync.Mutex
	maxSeen  int
	rejected int
}

func (o *recordingObserver) PoolActive(_ string, active int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active > o.maxSeen {
		o.maxSeen = active
	}
}

func (o *recordingObserver) PoolRejected(_ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func TestNew_Defaults(t *testing.T) {
	p := New("test", 0, nil)
	if p.Stats().Size != 1 {
		t.Errorf("Expected minimum size 1, got %d", p.Stats().Size)
	}
	if p.Name() != "test" {
		t.Errorf("Expected name 'test', got %q", p.Name())
	}
}

func TestPool_GoRunsTask(t *testing.T) {
	p := New("test", 2, testLogger())

	done := make(chan struct{})
	if err := p.Go("task", func() { close(done) }); err != nil {
		t.Fatalf("Go failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Task did not run")
	}

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if s := p.Stats(); s.Active != 0 || s.Started != 1 {
		t.Errorf("Unexpected stats after completion: %+v", s)
	}
}

func TestPool_GroupIsAllOrNothing(t *testing.T) {
	obs := &recordingObserver{}
	p := New(Session, 16, testLogger(), WithObserver(obs))

	release := make(chan struct{})
	block := func() { <-release }
	group := func() []Task {
		return []Task{
			{Name: "listener", Run: block},
			{Name: "video", Run: block},
			{Name: "audio", Run: block},
			{Name: "heartbeat", Run: block},
		}
	}

	// 16 workers hold exactly four sessions
	for i := 0; i < 4; i++ {
		if err := p.GoGroup(group()...); err != nil {
			t.Fatalf("Session %d rejected: %v", i, err)
		}
	}

	err := p.GoGroup(group()...)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Expected ErrPoolExhausted for fifth session, got %v", err)
	}
	if s := p.Stats(); s.Active != 16 || s.Rejected != 1 {
		t.Errorf("Expected 16 active and 1 rejection, got %+v", s)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Slots are reusable once released
	if err := p.GoGroup(Task{Name: "again", Run: func() {}}); err != nil {
		t.Errorf("Expected pool to admit work after release, got %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.maxSeen != 16 {
		t.Errorf("Expected observer to see 16 active workers, saw %d", obs.maxSeen)
	}
	if obs.rejected != 1 {
		t.Errorf("Expected observer to see 1 rejection, saw %d", obs.rejected)
	}
}

func TestPool_NilTask(t *testing.T) {
	p := New("test", 2, testLogger())
	if err := p.GoGroup(Task{Name: "ok", Run: func() {}}, Task{Name: "nil"}); !errors.Is(err, ErrNilTask) {
		t.Errorf("Expected ErrNilTask, got %v", err)
	}
	if p.Stats().Started != 0 {
		t.Error("No task should start when the group is invalid")
	}
}

func TestPool_PanicIsContained(t *testing.T) {
	p := New("test", 1, testLogger())

	if err := p.Go("boom", func() { panic("boom") }); err != nil {
		t.Fatalf("Go failed: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	var ran atomic.Bool
	if err := p.Go("after", func() { ran.Store(true) }); err != nil {
		t.Fatalf("Slot was not released after panic: %v", err)
	}
	_ = p.Wait(context.Background())

	if !ran.Load() {
		t.Error("Task after panic did not run")
	}
	if p.Stats().Panics != 1 {
		t.Errorf("Expected 1 panic recorded, got %d", p.Stats().Panics)
	}
}

func TestPool_WaitHonoursContext(t *testing.T) {
	p := New("test", 1, testLogger())
	release := make(chan struct{})
	defer close(release)

	if err := p.Go("stuck", func() { <-release }); err != nil {
		t.Fatalf("Go failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(map[string]int{Session: 16, Control: 4}, testLogger())

	p, err := s.Get(Session)
	if err != nil || p.Stats().Size != 16 {
		t.Fatalf("Unexpected session pool: %v, %v", p, err)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("Expected ErrUnknownPool, got %v", err)
	}

	stats := s.Stats()
	if len(stats) != 2 || stats[0].Name != Control || stats[1].Name != Session {
		t.Errorf("Expected stats sorted by name, got %+v", stats)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected MustGet to panic for unknown pool")
		}
	}()
	s.MustGet("missing")
}
