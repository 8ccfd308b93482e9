// Package schedule owns scheduled recording events: their storage contract,
// double-booking detection on a capture device, and the facade that
// transport layers call to book, move, delete and synchronize events.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("event not found")
	ErrInvalidWindow = errors.New("invalid event window")
	ErrInvalidEvent  = errors.New("invalid event")
)

// StampPrecision is the resolution of every stored timestamp. It matches
// what Postgres timestamptz can round-trip.
const StampPrecision = time.Microsecond

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow,
			w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
	}
	return nil
}

// Overlaps reports whether two half-open windows share any instant. Windows
// that only touch at a boundary do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Event is one scheduled recording on one capture device.
type Event struct {
	ID                     string            `json:"id"`
	DeviceID               string            `json:"device_id"`
	Window                 Window            `json:"window"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	CaptureAgentProperties map[string]string `json:"capture_agent_properties,omitempty"`
	LastModified           time.Time         `json:"last_modified"`
	Deleted                bool              `json:"deleted"`
}

// Clone returns a deep copy so stored events are never shared with callers.
func (e Event) Clone() Event {
	e.Metadata = cloneMap(e.Metadata)
	e.CaptureAgentProperties = cloneMap(e.CaptureAgentProperties)
	return e
}

// EventPatch carries the fields a caller wants to set. Nil fields keep the
// stored value; Metadata keys are merged over the stored record.
type EventPatch struct {
	ID       string            `json:"id"`
	DeviceID *string           `json:"device_id,omitempty"`
	Start    *time.Time        `json:"start,omitempty"`
	End      *time.Time        `json:"end,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PatchFromEvent builds the patch that sets every field of e.
func PatchFromEvent(e Event) EventPatch {
	device := e.DeviceID
	start := e.Window.Start
	end := e.Window.End
	return EventPatch{
		ID:       e.ID,
		DeviceID: &device,
		Start:    &start,
		End:      &end,
		Metadata: cloneMap(e.Metadata),
	}
}

// Apply merges p over existing and validates the result. A nil existing
// means p creates the event, in which case every identifying field is
// required. The returned event is not stamped.
func Apply(existing *Event, p EventPatch) (Event, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Event{}, fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}

	var out Event
	if existing != nil {
		out = existing.Clone()
		out.Deleted = false
	} else {
		out = Event{ID: p.ID}
		if p.DeviceID == nil {
			return Event{}, fmt.Errorf("%w: device id is required", ErrInvalidEvent)
		}
		if p.Start == nil || p.End == nil {
			return Event{}, fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
		}
	}

	if p.DeviceID != nil {
		out.DeviceID = strings.TrimSpace(*p.DeviceID)
	}
	if out.DeviceID == "" {
		return Event{}, fmt.Errorf("%w: device id is required", ErrInvalidEvent)
	}
	if p.Start != nil {
		out.Window.Start = p.Start.UTC().Truncate(StampPrecision)
	}
	if p.End != nil {
		out.Window.End = p.End.UTC().Truncate(StampPrecision)
	}
	if err := out.Window.Validate(); err != nil {
		return Event{}, err
	}

	if len(p.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out, nil
}

// MergeProperties returns existing with props laid over it.
func MergeProperties(existing, props map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(props))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

// NextStamp returns the modification stamp for a mutation happening at now
// on a record last stamped at prev. Stamps strictly increase per record even
// if the wall clock stalls or steps backwards.
func NextStamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(StampPrecision)
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(StampPrecision)
	}
	return now
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
