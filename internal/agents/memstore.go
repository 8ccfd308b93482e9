package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"capture_scheduler/core-go/internal/keylock"
)

type MemoryStore struct {
	locks keylock.Map

	mu     sync.RWMutex
	agents map[string]Agent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]Agent)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) load(name string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	return a, ok
}

func (s *MemoryStore) save(a Agent) {
	s.mu.Lock()
	s.agents[a.Name] = a
	s.mu.Unlock()
}

func (s *MemoryStore) Heartbeat(_ context.Context, name, state string, at time.Time) (Agent, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	a, ok := s.load(name)
	if !ok {
		a = Agent{Name: name}
	}
	a = a.Clone()
	a.State = state
	a.LastHeardFrom = at
	s.save(a)
	return a.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, name string, p AgentPatch) (Agent, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	a, ok := s.load(name)
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	a = p.ApplyTo(a)
	s.save(a)
	return a.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Agent, error) {
	a, ok := s.load(name)
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Agent, error) {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
