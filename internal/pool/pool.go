package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Well-known pool names
const (
	// Session runs the four per-viewer workers: listener, video sender, audio sender, heartbeat
	Session = "session"
	// Control runs process-level loops: acceptor, controller events, fan-out, encoder
	Control = "control"
)

// Observer receives pool occupancy changes, typically to export metrics
type Observer interface {
	PoolActive(pool string, active int)
	PoolRejected(pool string)
}

// Task is one named unit of work run on its own worker
type Task struct {
	Name string
	Run  func()
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
}

// Pool is a bounded set of worker slots
type Pool struct {
	name     string
	size     int64
	sem      *semaphore.Weighted
	logger   *slog.Logger
	observer Observer
	wg       sync.WaitGroup

	active   atomic.Int64
	started  atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

// Option configures a Pool
type Option func(*Pool)

// WithObserver attaches an occupancy observer
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// New creates a pool admitting at most size concurrent workers (minimum 1)
func New(name string, size int, logger *slog.Logger, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With(slog.String("pool", name)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Go runs fn on a pool worker if a slot is free
func (p *Pool) Go(name string, fn func()) error {
	return p.GoGroup(Task{Name: name, Run: fn})
}

// GoGroup starts all tasks or none of them. Slots for the whole group are reserved
// in one step, so a partially started group can never hold slots it cannot use.
func (p *Pool) GoGroup(tasks ...Task) error {
	for _, t := range tasks {
		if t.Run == nil {
			return fmt.Errorf("%w: %s", ErrNilTask, t.Name)
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	n := int64(len(tasks))
	if !p.sem.TryAcquire(n) {
		p.rejected.Add(1)
		if p.observer != nil {
			p.observer.PoolRejected(p.name)
		}
		return fmt.Errorf("%w: %s needs %d of %d slots (%d active)",
			ErrPoolExhausted, p.name, n, p.size, p.active.Load())
	}

	p.wg.Add(len(tasks))
	for _, t := range tasks {
		p.started.Add(1)
		p.setActive(p.active.Add(1))
		go p.run(t)
	}
	return nil
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Worker panicked",
				slog.String("task", t.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		p.setActive(p.active.Add(-1))
		p.sem.Release(1)
		p.wg.Done()
	}()

	t.Run()
}

func (p *Pool) setActive(n int64) {
	if p.observer != nil {
		p.observer.PoolActive(p.name, int(n))
	}
}

// Wait blocks until every running worker has returned or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pool %s: %w", p.name, ctx.Err())
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:     p.name,
		Size:     int(p.size),
		Active:   p.active.Load(),
		Started:  p.started.Load(),
		Rejected: p.rejected.Load(),
		Panics:   p.panics.Load(),
	}
}
