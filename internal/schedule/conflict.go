package schedule

import (
	"context"
	"fmt"
	"strings"
)

// Querier is the slice of EventStore the conflict detector reads from.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// ConflictDetector finds live bookings on a device that overlap a window.
// It is advisory: it takes no locks and mutates nothing.
type ConflictDetector struct {
	store Querier
}

func NewConflictDetector(store Querier) ConflictDetector {
	return ConflictDetector{store: store}
}

// FindConflicts returns the events on deviceID whose windows overlap w,
// ordered by start. Events listed in exclude are skipped, which lets an
// event be moved without conflicting with itself.
func (d ConflictDetector) FindConflicts(ctx context.Context, deviceID string, w Window, exclude ...string) ([]Event, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidEvent)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	start, end := w.Start, w.End
	candidates, err := d.store.Query(ctx, Filter{
		DeviceID: deviceID,
		EndsFrom: &start,
		StartsTo: &end,
	})
	if err != nil {
		return nil, fmt.Errorf("query overlapping events: %w", err)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	conflicts := make([]Event, 0, len(candidates))
	for _, e := range candidates {
		if _, ok := skip[e.ID]; ok {
			continue
		}
		// The store predicate is inclusive; touching windows are not conflicts.
		if !e.Window.Overlaps(w) {
			continue
		}
		conflicts = append(conflicts, e)
	}
	return conflicts, nil
}
