package schedule

import (
	"context"
	"sort"
	"time"

	"capture_scheduler/core-go/internal/recording"
)

// Filter selects events. Zero-valued fields do not constrain the result.
//
// StartsFrom/EndsTo express "contained in": start >= StartsFrom and
// end <= EndsTo. EndsFrom/StartsTo express "overlapping": end >= EndsFrom
// and start <= StartsTo. Both bounds of the overlap shape are inclusive;
// callers that need strict half-open semantics post-filter with
// Window.Overlaps.
type Filter struct {
	IDs            []string
	DeviceID       string
	StartsFrom     *time.Time
	EndsTo         *time.Time
	EndsFrom       *time.Time
	StartsTo       *time.Time
	ModifiedAfter  *time.Time
	IncludeDeleted bool
}

// Matches applies every predicate except the tombstone check.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == e.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.StartsFrom != nil && e.Window.Start.Before(*f.StartsFrom) {
		return false
	}
	if f.EndsTo != nil && e.Window.End.After(*f.EndsTo) {
		return false
	}
	if f.EndsFrom != nil && e.Window.End.Before(*f.EndsFrom) {
		return false
	}
	if f.StartsTo != nil && e.Window.Start.After(*f.StartsTo) {
		return false
	}
	if f.ModifiedAfter != nil && !e.LastModified.After(*f.ModifiedAfter) {
		return false
	}
	return true
}

// EventStore is the durable collection of scheduled events.
//
// Mutations on the same id are linearizable. Mutations on different ids
// proceed independently.
type EventStore interface {
	// Upsert creates the event or merges p into the stored one and bumps
	// its modification stamp.
	Upsert(ctx context.Context, p EventPatch) (Event, error)
	// Delete tombstones the event. Deleting a tombstone succeeds and still
	// advances the stamp.
	Delete(ctx context.Context, id string) error
	// Get fails with ErrNotFound for unknown and tombstoned ids.
	Get(ctx context.Context, id string) (Event, error)
	// Query returns matching events ordered by window start, then id.
	Query(ctx context.Context, f Filter) ([]Event, error)
	// LastModified is the newest stamp among matching events, tombstones
	// included. ok is false when nothing matches.
	LastModified(ctx context.Context, f Filter) (ts time.Time, ok bool, err error)
	// AttachProperties merges capture agent properties into a live event.
	AttachProperties(ctx context.Context, id string, props map[string]string) (Event, error)
}

// RecordingStore persists the capture lifecycle record kept per event.
type RecordingStore interface {
	GetRecording(ctx context.Context, eventID string) (recording.Job, error)
	PutRecording(ctx context.Context, job recording.Job) error
}

// Watermarker is implemented by stores whose writers may commit out of
// stamp order. Every write stamped at or below the returned watermark has
// already committed or will never commit.
type Watermarker interface {
	Watermark(ctx context.Context) (time.Time, error)
}

// Store is what a persistence backend provides to the facade.
type Store interface {
	EventStore
	RecordingStore
}

// SortEvents orders events by window start with id as the tie breaker.
func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Window.Start.Equal(b.Window.Start) {
			return a.Window.Start.Before(b.Window.Start)
		}
		return a.ID < b.ID
	})
}
