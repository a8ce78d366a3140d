// Package pool provides bounded, named execution pools shared by all viewer sessions.
//
// A Pool admits at most Size concurrent workers. Admission never blocks: when the pool
// is exhausted the caller gets ErrPoolExhausted and decides what to do (a new viewer is
// turned away). Pools are process-lifetime resources; sessions borrow workers from
// them and never shut them down.
package pool
