package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Set is the process-wide collection of named pools, created once in main and
// injected into every component that needs workers.
type Set struct {
	pools map[string]*Pool
}

// NewSet creates one pool per entry in sizes
func NewSet(sizes map[string]int, logger *slog.Logger, opts ...Option) *Set {
	s := &Set{pools: make(map[string]*Pool, len(sizes))}
	for name, size := range sizes {
		s.pools[name] = New(name, size, logger, opts...)
	}
	return s
}

// Get returns the named pool
func (s *Set) Get(name string) (*Pool, error) {
	p, ok := s.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	return p, nil
}

// MustGet returns the named pool and panics when it is missing. For wiring in main only.
func (s *Set) MustGet(name string) *Pool {
	p, err := s.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Stats returns statistics for every pool sorted by name
func (s *Set) Stats() []Stats {
	out := make([]Stats, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait waits for the workers of every pool
func (s *Set) Wait(ctx context.Context) error {
	var errs []error
	for _, p := range s.pools {
		if err := p.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
