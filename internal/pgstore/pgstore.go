// Package pgstore persists events, recording jobs and capture agents in
// Postgres through the generated queries in sqlcgen.
//
// Event stamps come from clock_timestamp() inside the writing statement and
// are bumped past the stored stamp of the same row. Writers of different ids
// never wait on each other, so they may commit out of stamp order; Watermark
// tells the sync path how far the committed history is complete.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
	"capture_scheduler/core-go/internal/sqlcgen"
)

// TxRunner is the part of db.Pool the stores use.
type TxRunner interface {
	Queries() *sqlcgen.Queries
	InTx(ctx context.Context, fn func(q *sqlcgen.Queries) error) error
}

const foreignKeyViolation = "23503"

type EventStore struct {
	db TxRunner
}

var (
	_ schedule.Store       = (*EventStore)(nil)
	_ schedule.Watermarker = (*EventStore)(nil)
)

func NewEventStore(db TxRunner) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Upsert(ctx context.Context, p schedule.EventPatch) (schedule.Event, error) {
	var out schedule.Event
	err := s.db.InTx(ctx, func(q *sqlcgen.Queries) error {
		if err := q.LockEventID(ctx, p.ID); err != nil {
			return fmt.Errorf("lock event %s: %w", p.ID, err)
		}

		var existing *schedule.Event
		row, err := q.GetEventForUpdate(ctx, p.ID)
		switch {
		case err == nil:
			e := toEvent(row)
			existing = &e
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("load event %s: %w", p.ID, err)
		}

		next, err := schedule.Apply(existing, p)
		if err != nil {
			return err
		}
		stored, err := q.UpsertEvent(ctx, sqlcgen.UpsertEventParams{
			ID:              next.ID,
			DeviceID:        next.DeviceID,
			StartsAt:        next.Window.Start,
			EndsAt:          next.Window.End,
			Metadata:        nonNil(next.Metadata),
			AgentProperties: nonNil(next.CaptureAgentProperties),
		})
		if err != nil {
			return fmt.Errorf("upsert event %s: %w", p.ID, err)
		}
		out = toEvent(stored)
		return nil
	})
	return out, err
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	n, err := s.db.Queries().MarkEventDeleted(ctx, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, id string) (schedule.Event, error) {
	row, err := s.db.Queries().GetEvent(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && row.Deleted) {
		return schedule.Event{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	if err != nil {
		return schedule.Event{}, err
	}
	return toEvent(row), nil
}

func (s *EventStore) Query(ctx context.Context, f schedule.Filter) ([]schedule.Event, error) {
	rows, err := s.db.Queries().ListEvents(ctx, filterParams(f))
	if err != nil {
		return nil, err
	}
	out := make([]schedule.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEvent(r))
	}
	return out, nil
}

func (s *EventStore) LastModified(ctx context.Context, f schedule.Filter) (time.Time, bool, error) {
	params := filterParams(f)
	params.IncludeDeleted = true
	ts, err := s.db.Queries().MaxLastModified(ctx, params)
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// Watermark returns the newest stamp below every transaction still open on
// the database. Seeing other sessions' transaction start requires the same
// role or pg_read_all_stats; an invisible session makes the watermark too
// high, never too low.
func (s *EventStore) Watermark(ctx context.Context) (time.Time, error) {
	ts, err := s.db.Queries().SettledStamp(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("settled stamp: %w", err)
	}
	return ts.UTC(), nil
}

func (s *EventStore) AttachProperties(ctx context.Context, id string, props map[string]string) (schedule.Event, error) {
	var out schedule.Event
	err := s.db.InTx(ctx, func(q *sqlcgen.Queries) error {
		row, err := q.GetEventForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && row.Deleted) {
			return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		merged := schedule.MergeProperties(row.AgentProperties, props)
		stored, err := q.SetAgentProperties(ctx, id, merged)
		if err != nil {
			return fmt.Errorf("attach properties to %s: %w", id, err)
		}
		out = toEvent(stored)
		return nil
	})
	return out, err
}

func (s *EventStore) GetRecording(ctx context.Context, eventID string) (recording.Job, error) {
	row, err := s.db.Queries().GetRecording(ctx, eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return recording.Job{}, fmt.Errorf("%w: recording for %s", schedule.ErrNotFound, eventID)
	}
	if err != nil {
		return recording.Job{}, err
	}
	return recording.Job{
		EventID:      row.EventID,
		State:        recording.State(row.State),
		LastModified: row.LastModified.UTC(),
	}, nil
}

func (s *EventStore) PutRecording(ctx context.Context, job recording.Job) error {
	err := s.db.Queries().UpsertRecording(ctx, sqlcgen.Recording{
		EventID:      job.EventID,
		State:        string(job.State),
		LastModified: job.LastModified,
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, job.EventID)
	}
	return err
}

func filterParams(f schedule.Filter) sqlcgen.EventFilterParams {
	return sqlcgen.EventFilterParams{
		IDs:            f.IDs,
		DeviceID:       f.DeviceID,
		StartsFrom:     f.StartsFrom,
		EndsTo:         f.EndsTo,
		EndsFrom:       f.EndsFrom,
		StartsTo:       f.StartsTo,
		ModifiedAfter:  f.ModifiedAfter,
		IncludeDeleted: f.IncludeDeleted,
	}
}

func toEvent(r sqlcgen.Event) schedule.Event {
	return schedule.Event{
		ID:       r.ID,
		DeviceID: r.DeviceID,
		Window: schedule.Window{
			Start: r.StartsAt.UTC(),
			End:   r.EndsAt.UTC(),
		},
		Metadata:               nilIfEmpty(r.Metadata),
		CaptureAgentProperties: nilIfEmpty(r.AgentProperties),
		LastModified:           r.LastModified.UTC(),
		Deleted:                r.Deleted,
	}
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
