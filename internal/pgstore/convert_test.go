package pgstore

import (
	"testing"
	"time"

	"capture_scheduler/core-go/internal/schedule"
	"capture_scheduler/core-go/internal/sqlcgen"
)

func TestToEvent_NormalizesMapsAndZone(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	start := time.Date(2024, 6, 3, 12, 0, 0, 0, loc)
	e := toEvent(sqlcgen.Event{
		ID:              "e1",
		DeviceID:        "room-1",
		StartsAt:        start,
		EndsAt:          start.Add(time.Hour),
		Metadata:        map[string]string{"title": "x"},
		AgentProperties: map[string]string{},
		LastModified:    start,
	})
	if e.CaptureAgentProperties != nil {
		t.Fatalf("empty jsonb must map to nil properties, got %+v", e.CaptureAgentProperties)
	}
	if e.Window.Start.Location() != time.UTC || e.LastModified.Location() != time.UTC {
		t.Fatalf("times must be UTC: %+v", e)
	}
	if e.Metadata["title"] != "x" {
		t.Fatalf("metadata = %+v", e.Metadata)
	}
}

func TestFilterParams(t *testing.T) {
	from := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	p := filterParams(schedule.Filter{IDs: []string{"a"}, DeviceID: "D1", EndsFrom: &from, IncludeDeleted: true})
	if len(p.IDs) != 1 || p.DeviceID != "D1" || p.EndsFrom != &from || !p.IncludeDeleted || p.StartsFrom != nil {
		t.Fatalf("unexpected params %+v", p)
	}
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Fatalf("nonNil(nil) = %#v", got)
	}
}
