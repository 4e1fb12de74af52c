// Package optimistic applies user mutations to the query cache immediately,
// commits them in the background and rolls the cache back when the commit
// fails.
package optimistic

import (
	"context"
	"fmt"
	"sync"

	"github.com/tally-io/tally/internal/cache"
)

// State is the lifecycle position of a Mutation.
type State int

const (
	// StateIdle is a mutation that had nothing to do.
	StateIdle State = iota
	// StateApplying is a mutation whose commit is still running.
	StateApplying
	StateCommitted
	StateRolledBack
	// StateDiscarded is a mutation whose commit finished after the
	// coordinator was closed. Its result never reached the cache.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Attempt describes one optimistic mutation.
type Attempt struct {
	// Name labels the mutation in logs and metrics.
	Name string

	// Targets are the keys Apply writes. They are snapshotted before Apply
	// and restored if Commit fails.
	Targets []cache.Key

	// Apply performs the optimistic cache writes. It runs synchronously and
	// must only write Targets.
	Apply func(c *cache.Cache)

	// Commit persists the mutation and returns the stored record, if the
	// write produces one.
	Commit func(ctx context.Context) (any, error)

	// Invalidate lists the key prefixes marked stale after a successful
	// commit.
	Invalidate []cache.Key
}

// Mutation tracks a running Attempt.
type Mutation struct {
	name string
	done chan struct{}

	mu     sync.Mutex
	state  State
	err    error
	result any
}

func newMutation(name string, state State) *Mutation {
	return &Mutation{name: name, state: state, done: make(chan struct{})}
}

func noop(name string) *Mutation {
	m := newMutation(name, StateIdle)
	close(m.done)
	return m
}

func (m *Mutation) finish(state State, result any, err error) {
	m.mu.Lock()
	m.state, m.result, m.err = state, result, err
	m.mu.Unlock()
	close(m.done)
}

func (m *Mutation) Name() string { return m.name }

// Done is closed once the mutation reaches a final state.
func (m *Mutation) Done() <-chan struct{} { return m.done }

func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the commit error, if any.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Result returns what Commit returned for a committed or discarded mutation.
func (m *Mutation) Result() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Wait blocks until the mutation is final and returns the commit error.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return m.Err()
	}
}
