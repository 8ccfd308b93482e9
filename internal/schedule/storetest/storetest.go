// Package storetest holds the behaviour every schedule.Store backend must
// show. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) schedule.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s schedule.Store)
	}{
		{"UpsertCreates", testUpsertCreates},
		{"UpsertMergesOmittedFields", testUpsertMerges},
		{"UpsertRejectsInvalidInput", testUpsertRejects},
		{"DeleteTombstones", testDeleteTombstones},
		{"DeleteTwiceAdvancesStamp", testDeleteTwice},
		{"QueryOrdering", testQueryOrdering},
		{"QueryIntervalShapes", testQueryIntervalShapes},
		{"LastModifiedNoData", testLastModifiedNoData},
		{"AttachProperties", testAttachProperties},
		{"ConflictScenario", testConflictScenario},
		{"StartsFromNowScenario", testStartsFromNowScenario},
		{"RecordingRoundTrip", testRecordingRoundTrip},
		{"ConcurrentUpsertsSameID", testConcurrentUpserts},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return base.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func ptr[T any](v T) *T { return &v }

func patch(id, device string, start, end time.Time) schedule.EventPatch {
	return schedule.EventPatch{ID: id, DeviceID: &device, Start: &start, End: &end}
}

func mustUpsert(t *testing.T, s schedule.Store, p schedule.EventPatch) schedule.Event {
	t.Helper()
	e, err := s.Upsert(context.Background(), p)
	if err != nil {
		t.Fatalf("Upsert(%s): %v", p.ID, err)
	}
	return e
}

func ids(events []schedule.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func sameIDs(got []schedule.Event, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func testUpsertCreates(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	p := patch("e1", "room-1", at(10, 0), at(11, 0))
	p.Metadata = map[string]string{"title": "Lecture 1"}
	before := time.Now().Add(-time.Second)

	e := mustUpsert(t, s, p)
	if e.ID != "e1" || e.DeviceID != "room-1" || e.Deleted {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.LastModified.Before(before) {
		t.Fatalf("expected a fresh stamp, got %v", e.LastModified)
	}

	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Window.Start.Equal(at(10, 0)) || !got.Window.End.Equal(at(11, 0)) {
		t.Fatalf("window = %+v", got.Window)
	}
	if got.Metadata["title"] != "Lecture 1" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	if got.CaptureAgentProperties != nil && len(got.CaptureAgentProperties) != 0 {
		t.Fatalf("properties must be absent until attached, got %+v", got.CaptureAgentProperties)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpsertMerges(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	p := patch("e1", "room-1", at(10, 0), at(11, 0))
	p.Metadata = map[string]string{"title": "Lecture 1", "series": "S1"}
	first := mustUpsert(t, s, p)

	second := mustUpsert(t, s, schedule.EventPatch{
		ID:       "e1",
		End:      ptr(at(12, 0)),
		Metadata: map[string]string{"title": "Lecture 1 (extended)"},
	})
	if !second.LastModified.After(first.LastModified) {
		t.Fatalf("stamp must increase: %v then %v", first.LastModified, second.LastModified)
	}

	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "room-1" {
		t.Fatalf("device id must be kept, got %q", got.DeviceID)
	}
	if !got.Window.Start.Equal(at(10, 0)) || !got.Window.End.Equal(at(12, 0)) {
		t.Fatalf("window = %+v", got.Window)
	}
	if got.Metadata["title"] != "Lecture 1 (extended)" || got.Metadata["series"] != "S1" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
}

func testUpsertRejects(t *testing.T, s schedule.Store) {
	ctx := context.Background()

	if _, err := s.Upsert(ctx, patch("bad", "room-1", at(11, 0), at(10, 0))); !errors.Is(err, schedule.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for reversed window, got %v", err)
	}
	if _, err := s.Upsert(ctx, patch("empty", "room-1", at(10, 0), at(10, 0))); !errors.Is(err, schedule.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for empty window, got %v", err)
	}
	if _, err := s.Upsert(ctx, schedule.EventPatch{ID: "nodev", Start: ptr(at(10, 0)), End: ptr(at(11, 0))}); !errors.Is(err, schedule.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without device, got %v", err)
	}
	if _, err := s.Get(ctx, "bad"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("rejected create must not store anything, got %v", err)
	}

	orig := mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))
	if _, err := s.Upsert(ctx, schedule.EventPatch{ID: "e1", Start: ptr(at(12, 0))}); !errors.Is(err, schedule.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow when update inverts window, got %v", err)
	}
	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Window.Start.Equal(orig.Window.Start) || !got.LastModified.Equal(orig.LastModified) {
		t.Fatalf("rejected update must leave the event untouched: %+v", got)
	}
}

func testDeleteTombstones(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	created := mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))
	mustUpsert(t, s, patch("e2", "room-2", at(10, 0), at(11, 0)))

	if err := s.Delete(ctx, "e1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "e1"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for tombstone, got %v", err)
	}

	live, err := s.Query(ctx, schedule.Filter{DeviceID: "room-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Fatalf("tombstone must be hidden from query, got %v", ids(live))
	}

	all, err := s.Query(ctx, schedule.Filter{DeviceID: "room-1", IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("expected the tombstone when requested, got %+v", all)
	}

	lm, ok, err := s.LastModified(ctx, schedule.Filter{DeviceID: "room-1"})
	if err != nil || !ok {
		t.Fatalf("LastModified: ok=%v err=%v", ok, err)
	}
	if !lm.Equal(all[0].LastModified) || !lm.After(created.LastModified) {
		t.Fatalf("last modified must reflect the deletion: lm=%v created=%v tombstone=%v", lm, created.LastModified, all[0].LastModified)
	}

	if err := s.Delete(ctx, "nope"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting unknown id, got %v", err)
	}
}

func testDeleteTwice(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))
	if err := s.Delete(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	first, _, err := s.LastModified(ctx, schedule.Filter{IDs: []string{"e1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "e1"); err != nil {
		t.Fatalf("second delete must succeed, got %v", err)
	}
	second, _, err := s.LastModified(ctx, schedule.Filter{IDs: []string{"e1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !second.After(first) {
		t.Fatalf("repeated delete must advance the stamp: %v then %v", first, second)
	}
}

func testQueryOrdering(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	mustUpsert(t, s, patch("c", "room-1", at(12, 0), at(13, 0)))
	mustUpsert(t, s, patch("b", "room-1", at(9, 0), at(10, 0)))
	mustUpsert(t, s, patch("a", "room-1", at(12, 0), at(12, 30)))

	got, err := s.Query(ctx, schedule.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(got, "b", "a", "c") {
		t.Fatalf("expected start then id ordering, got %v", ids(got))
	}
}

func testQueryIntervalShapes(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	mustUpsert(t, s, patch("morning", "room-1", at(8, 0), at(10, 0)))
	mustUpsert(t, s, patch("noon", "room-1", at(11, 0), at(13, 0)))
	mustUpsert(t, s, patch("evening", "room-1", at(18, 0), at(20, 0)))
	mustUpsert(t, s, patch("other", "room-2", at(11, 0), at(13, 0)))

	contained, err := s.Query(ctx, schedule.Filter{
		DeviceID:   "room-1",
		StartsFrom: ptr(at(10, 0)),
		EndsTo:     ptr(at(20, 0)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(contained, "noon", "evening") {
		t.Fatalf("contains shape: got %v", ids(contained))
	}

	overlapping, err := s.Query(ctx, schedule.Filter{
		DeviceID: "room-1",
		EndsFrom: ptr(at(10, 0)),
		StartsTo: ptr(at(12, 0)),
	})
	if err != nil {
		t.Fatal(err)
	}
	// Inclusive bounds: "morning" ends exactly at EndsFrom.
	if !sameIDs(overlapping, "morning", "noon") {
		t.Fatalf("overlap shape: got %v", ids(overlapping))
	}

	byDevice, err := s.Query(ctx, schedule.Filter{DeviceID: "room-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(byDevice, "other") {
		t.Fatalf("device filter: got %v", ids(byDevice))
	}
}

func testLastModifiedNoData(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	if _, ok, err := s.LastModified(ctx, schedule.Filter{}); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	e := mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))
	if _, ok, err := s.LastModified(ctx, schedule.Filter{DeviceID: "room-9"}); err != nil || ok {
		t.Fatalf("non-matching filter: ok=%v err=%v", ok, err)
	}
	lm, ok, err := s.LastModified(ctx, schedule.Filter{DeviceID: "room-1"})
	if err != nil || !ok || !lm.Equal(e.LastModified) {
		t.Fatalf("matching filter: lm=%v ok=%v err=%v want %v", lm, ok, err, e.LastModified)
	}

	later := e.LastModified
	if _, ok, err := s.LastModified(ctx, schedule.Filter{ModifiedAfter: &later}); err != nil || ok {
		t.Fatalf("nothing modified after the newest stamp: ok=%v err=%v", ok, err)
	}
}

func testAttachProperties(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	props := map[string]string{"capture.device.names": "camera,screen"}

	if _, err := s.AttachProperties(ctx, "2", props); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	created := mustUpsert(t, s, patch("2", "room-1", at(10, 0), at(11, 0)))
	updated, err := s.AttachProperties(ctx, "2", props)
	if err != nil {
		t.Fatalf("AttachProperties: %v", err)
	}
	if !updated.LastModified.After(created.LastModified) {
		t.Fatalf("attach must bump the stamp")
	}
	if _, err := s.AttachProperties(ctx, "2", map[string]string{"event.location": "room-1"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if got.CaptureAgentProperties["capture.device.names"] != "camera,screen" ||
		got.CaptureAgentProperties["event.location"] != "room-1" {
		t.Fatalf("properties = %+v", got.CaptureAgentProperties)
	}

	if err := s.Delete(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AttachProperties(ctx, "2", props); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for tombstone, got %v", err)
	}
}

func testConflictScenario(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	mustUpsert(t, s, patch("1", "D1", at(10, 0), at(12, 0)))
	mustUpsert(t, s, patch("2", "D1", at(16, 0), at(18, 0)))
	mustUpsert(t, s, patch("3", "D1", at(24+13, 0), at(24+15, 0)))
	mustUpsert(t, s, patch("4", "D2", at(13, 0), at(15, 0)))

	d := schedule.NewConflictDetector(s)
	got, err := d.FindConflicts(ctx, "D1", schedule.Window{Start: at(11, 0), End: at(17, 0)})
	if err != nil {
		t.Fatalf("FindConflicts: %v", err)
	}
	if !sameIDs(got, "1", "2") {
		t.Fatalf("expected events 1 and 2, got %v", ids(got))
	}

	touching, err := d.FindConflicts(ctx, "D1", schedule.Window{Start: at(12, 0), End: at(16, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(touching) != 0 {
		t.Fatalf("boundary-touching windows must not conflict, got %v", ids(touching))
	}
}

func testStartsFromNowScenario(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	first := mustUpsert(t, s, patch("1", "D1", now.Add(10*time.Minute), now.Add(60*time.Minute)))
	hits, err := s.Query(ctx, schedule.Filter{StartsFrom: &now})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 event starting from now, got %d", len(hits))
	}
	lm1, _, err := s.LastModified(ctx, schedule.Filter{DeviceID: "D1"})
	if err != nil {
		t.Fatal(err)
	}
	if !lm1.Equal(first.LastModified) {
		t.Fatalf("lm=%v event=%v", lm1, first.LastModified)
	}

	mustUpsert(t, s, schedule.EventPatch{ID: "1", Start: ptr(now.Add(-time.Minute)), End: ptr(now.Add(60 * time.Minute))})
	hits, err = s.Query(ctx, schedule.Filter{StartsFrom: &now})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected 0 events after moving start before now, got %d", len(hits))
	}
	lm2, _, err := s.LastModified(ctx, schedule.Filter{DeviceID: "D1"})
	if err != nil {
		t.Fatal(err)
	}
	if !lm2.After(lm1) {
		t.Fatalf("last modified must strictly increase: %v then %v", lm1, lm2)
	}
}

func testRecordingRoundTrip(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	if _, err := s.GetRecording(ctx, "e1"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any report, got %v", err)
	}
	mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))

	stamp := time.Now().UTC().Truncate(schedule.StampPrecision)
	job := recording.Job{EventID: "e1", State: recording.StateCapturing, LastModified: stamp}
	if err := s.PutRecording(ctx, job); err != nil {
		t.Fatalf("PutRecording: %v", err)
	}
	job.State = recording.StateCaptureFinished
	job.LastModified = stamp.Add(time.Second)
	if err := s.PutRecording(ctx, job); err != nil {
		t.Fatalf("PutRecording overwrite: %v", err)
	}

	got, err := s.GetRecording(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != recording.StateCaptureFinished || !got.LastModified.Equal(job.LastModified) {
		t.Fatalf("recording = %+v", got)
	}
}

func testConcurrentUpserts(t *testing.T, s schedule.Store) {
	ctx := context.Background()
	mustUpsert(t, s, patch("e1", "room-1", at(10, 0), at(11, 0)))

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			if _, err := s.Upsert(ctx, schedule.EventPatch{ID: "e1", Metadata: map[string]string{key: "v"}}); err != nil {
				t.Errorf("Upsert %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Metadata) != writers {
		t.Fatalf("lost updates: expected %d metadata keys, got %d (%v)", writers, len(got.Metadata), got.Metadata)
	}
}
