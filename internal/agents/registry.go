package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Registry applies heartbeats and answers liveness questions. It runs no
// background sweep; staleness is computed on demand.
type Registry struct {
	store Store
	now   func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Heartbeat records that name is alive in state. Repeating the same state is
// a valid "still here" ping and refreshes LastHeardFrom.
func (r *Registry) Heartbeat(ctx context.Context, name, state string) (Agent, error) {
	name = strings.TrimSpace(name)
	state = strings.TrimSpace(state)
	if name == "" {
		return Agent{}, fmt.Errorf("%w: agent name is required", ErrInvalidHeartbeat)
	}
	if state == "" {
		return Agent{}, fmt.Errorf("%w: state is required", ErrInvalidHeartbeat)
	}
	return r.store.Heartbeat(ctx, name, state, r.now().UTC().Truncate(time.Microsecond))
}

func (r *Registry) Get(ctx context.Context, name string) (Agent, error) {
	return r.store.Get(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	return r.store.List(ctx)
}

// Update sets url, capabilities or configuration of a known agent. It does
// not count as a heartbeat.
func (r *Registry) Update(ctx context.Context, name string, p AgentPatch) (Agent, error) {
	return r.store.Update(ctx, name, p)
}

// IsStale reports whether name has been silent for longer than timeout.
func (r *Registry) IsStale(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	a, err := r.store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return r.Stale(a, timeout), nil
}

// Stale is the pure form of IsStale for an already loaded agent.
func (r *Registry) Stale(a Agent, timeout time.Duration) bool {
	return r.now().Sub(a.LastHeardFrom) > timeout
}
