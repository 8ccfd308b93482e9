package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"capture_scheduler/core-go/internal/keylock"
	"capture_scheduler/core-go/internal/recording"
)

// MemoryStore keeps events in process memory. Read-modify-write cycles are
// serialized per event id; the shared map lock is only held to read a
// snapshot or to stamp and publish a new version.
type MemoryStore struct {
	now   func() time.Time
	locks keylock.Map

	mu         sync.RWMutex
	events     map[string]Event
	recordings map[string]recording.Job
	// lastStamp is the newest stamp published, in unix microseconds.
	lastStamp int64
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides time.Now, mostly for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		events:     make(map[string]Event),
		recordings: make(map[string]recording.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

// commit stamps e and publishes it in one critical section. A stamp is
// never visible before every smaller stamp is, so a client syncing with
// "modified after X" never misses a write stamped at or below X.
func (s *MemoryStore) commit(e Event, prev time.Time) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := NextStamp(prev, s.now()).UnixMicro()
	if next <= s.lastStamp {
		next = s.lastStamp + 1
	}
	s.lastStamp = next
	e.LastModified = time.UnixMicro(next).UTC()
	s.events[e.ID] = e
	return e
}

func (s *MemoryStore) load(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *MemoryStore) Upsert(_ context.Context, p EventPatch) (Event, error) {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	var existing *Event
	prev, ok := s.load(p.ID)
	if ok {
		existing = &prev
	}
	next, err := Apply(existing, p)
	if err != nil {
		return Event{}, err
	}
	next = s.commit(next, prev.LastModified)
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, ok := s.load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e = e.Clone()
	e.Deleted = true
	s.commit(e, e.LastModified)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Event, error) {
	e, ok := s.load(id)
	if !ok || e.Deleted {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Deleted && !f.IncludeDeleted {
			continue
		}
		if !f.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	SortEvents(out)
	return out, nil
}

func (s *MemoryStore) LastModified(_ context.Context, f Filter) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest time.Time
	found := false
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		if !found || e.LastModified.After(newest) {
			newest = e.LastModified
			found = true
		}
	}
	return newest, found, nil
}

func (s *MemoryStore) AttachProperties(_ context.Context, id string, props map[string]string) (Event, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, ok := s.load(id)
	if !ok || e.Deleted {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e = e.Clone()
	e.CaptureAgentProperties = MergeProperties(e.CaptureAgentProperties, props)
	e = s.commit(e, e.LastModified)
	return e.Clone(), nil
}

func (s *MemoryStore) GetRecording(_ context.Context, eventID string) (recording.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.recordings[eventID]
	if !ok {
		return recording.Job{}, fmt.Errorf("%w: recording for %s", ErrNotFound, eventID)
	}
	return job, nil
}

func (s *MemoryStore) PutRecording(_ context.Context, job recording.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[job.EventID] = job
	return nil
}
