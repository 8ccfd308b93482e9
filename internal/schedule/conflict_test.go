package schedule_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"capture_scheduler/core-go/internal/schedule"
)

type queryFunc func(ctx context.Context, f schedule.Filter) ([]schedule.Event, error)

func (fn queryFunc) Query(ctx context.Context, f schedule.Filter) ([]schedule.Event, error) {
	return fn(ctx, f)
}

func book(t *testing.T, s *schedule.MemoryStore, id, device string, start, end time.Time) {
	t.Helper()
	if _, err := s.Upsert(context.Background(), schedule.EventPatch{ID: id, DeviceID: &device, Start: &start, End: &end}); err != nil {
		t.Fatalf("Upsert(%s): %v", id, err)
	}
}

func TestFindConflicts_Symmetric(t *testing.T) {
	base := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		s := schedule.NewMemoryStore()
		d := schedule.NewConflictDetector(s)

		aStart := base.Add(time.Duration(rng.Intn(48)) * 15 * time.Minute)
		aEnd := aStart.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)
		bStart := base.Add(time.Duration(rng.Intn(48)) * 15 * time.Minute)
		bEnd := bStart.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)
		a := schedule.Window{Start: aStart, End: aEnd}
		b := schedule.Window{Start: bStart, End: bEnd}

		book(t, s, "a", "D1", aStart, aEnd)
		withA, err := d.FindConflicts(ctx, "D1", b)
		if err != nil {
			t.Fatal(err)
		}

		s2 := schedule.NewMemoryStore()
		book(t, s2, "b", "D1", bStart, bEnd)
		withB, err := schedule.NewConflictDetector(s2).FindConflicts(ctx, "D1", a)
		if err != nil {
			t.Fatal(err)
		}

		if (len(withA) == 1) != (len(withB) == 1) {
			t.Fatalf("asymmetric result for a=%v b=%v: %d vs %d", a, b, len(withA), len(withB))
		}
		if (len(withA) == 1) != a.Overlaps(b) {
			t.Fatalf("result disagrees with Overlaps for a=%v b=%v", a, b)
		}
	}
}

func TestFindConflicts_OtherDeviceAndExclude(t *testing.T) {
	s := schedule.NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	book(t, s, "e1", "D1", start, end)
	book(t, s, "e2", "D2", start, end)

	d := schedule.NewConflictDetector(s)
	got, err := d.FindConflicts(ctx, "D1", schedule.Window{Start: start, End: end}, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("excluded event reported as conflict: %+v", got)
	}

	if err := s.Delete(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	got, err = d.FindConflicts(ctx, "D1", schedule.Window{Start: start, End: end})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("tombstones must not conflict: %+v", got)
	}
}

func TestFindConflicts_RejectsBadInput(t *testing.T) {
	called := false
	d := schedule.NewConflictDetector(queryFunc(func(context.Context, schedule.Filter) ([]schedule.Event, error) {
		called = true
		return nil, nil
	}))
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	if _, err := d.FindConflicts(context.Background(), "D1", schedule.Window{Start: start, End: start}); !errors.Is(err, schedule.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if _, err := d.FindConflicts(context.Background(), "", schedule.Window{Start: start, End: start.Add(time.Hour)}); !errors.Is(err, schedule.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if called {
		t.Fatalf("store must not be queried for invalid input")
	}
}

func TestFindConflicts_PropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	d := schedule.NewConflictDetector(queryFunc(func(context.Context, schedule.Filter) ([]schedule.Event, error) {
		return nil, boom
	}))
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	if _, err := d.FindConflicts(context.Background(), "D1", schedule.Window{Start: start, End: start.Add(time.Hour)}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
