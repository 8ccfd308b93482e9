package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
)

type EventStore struct {
	d *DB
}

var _ schedule.Store = (*EventStore)(nil)

const eventColumns = `id, device_id, starts_at, ends_at, metadata, agent_properties, last_modified, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (schedule.Event, error) {
	var (
		e                    schedule.Event
		start, end, modified int64
		metadata, props      string
		deleted              int
	)
	if err := row.Scan(&e.ID, &e.DeviceID, &start, &end, &metadata, &props, &modified, &deleted); err != nil {
		return schedule.Event{}, err
	}
	var err error
	if e.Metadata, err = decodeMap(metadata); err != nil {
		return schedule.Event{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}
	if e.CaptureAgentProperties, err = decodeMap(props); err != nil {
		return schedule.Event{}, fmt.Errorf("decode properties of %s: %w", e.ID, err)
	}
	e.Window = schedule.Window{Start: fromMicros(start), End: fromMicros(end)}
	e.LastModified = fromMicros(modified)
	e.Deleted = deleted != 0
	return e, nil
}

func loadEvent(ctx context.Context, tx *sql.Tx, id string) (schedule.Event, bool, error) {
	e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Event{}, false, nil
	}
	if err != nil {
		return schedule.Event{}, false, fmt.Errorf("load event %s: %w", id, err)
	}
	return e, true, nil
}

func (s *EventStore) Upsert(ctx context.Context, p schedule.EventPatch) (schedule.Event, error) {
	var out schedule.Event
	err := s.d.inTx(ctx, func(tx *sql.Tx) error {
		stamp, err := s.d.advanceStamp(ctx, tx)
		if err != nil {
			return err
		}
		prev, ok, err := loadEvent(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var existing *schedule.Event
		if ok {
			existing = &prev
		}
		next, err := schedule.Apply(existing, p)
		if err != nil {
			return err
		}
		next.LastModified = stamp

		metadata, err := encodeMap(next.Metadata)
		if err != nil {
			return err
		}
		props, err := encodeMap(next.CaptureAgentProperties)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, device_id, starts_at, ends_at, metadata, agent_properties, last_modified, deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(id) DO UPDATE SET
			   device_id = excluded.device_id,
			   starts_at = excluded.starts_at,
			   ends_at = excluded.ends_at,
			   metadata = excluded.metadata,
			   agent_properties = excluded.agent_properties,
			   last_modified = excluded.last_modified,
			   deleted = 0`,
			next.ID, next.DeviceID, next.Window.Start.UnixMicro(), next.Window.End.UnixMicro(),
			metadata, props, stamp.UnixMicro(),
		)
		if err != nil {
			return fmt.Errorf("upsert event %s: %w", p.ID, err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	return s.d.inTx(ctx, func(tx *sql.Tx) error {
		stamp, err := s.d.advanceStamp(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE events SET deleted = 1, last_modified = ? WHERE id = ?`, stamp.UnixMicro(), id)
		if err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
		}
		return nil
	})
}

func (s *EventStore) Get(ctx context.Context, id string) (schedule.Event, error) {
	e, err := scanEvent(s.d.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ? AND deleted = 0`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Event{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return e, err
}

// whereClause renders f as SQL. Tombstones are only excluded when
// includeDeleted is false.
func whereClause(f schedule.Filter, includeDeleted bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN (?"+strings.Repeat(", ?", len(f.IDs)-1)+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.DeviceID != "" {
		add("device_id = ?", f.DeviceID)
	}
	if f.StartsFrom != nil {
		add("starts_at >= ?", f.StartsFrom.UnixMicro())
	}
	if f.EndsTo != nil {
		add("ends_at <= ?", f.EndsTo.UnixMicro())
	}
	if f.EndsFrom != nil {
		add("ends_at >= ?", f.EndsFrom.UnixMicro())
	}
	if f.StartsTo != nil {
		add("starts_at <= ?", f.StartsTo.UnixMicro())
	}
	if f.ModifiedAfter != nil {
		add("last_modified > ?", f.ModifiedAfter.UnixMicro())
	}
	if !includeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *EventStore) Query(ctx context.Context, f schedule.Filter) ([]schedule.Event, error) {
	where, args := whereClause(f, f.IncludeDeleted)
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events`+where+` ORDER BY starts_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []schedule.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) LastModified(ctx context.Context, f schedule.Filter) (time.Time, bool, error) {
	where, args := whereClause(f, true)
	var newest sql.NullInt64
	if err := s.d.db.QueryRowContext(ctx, `SELECT MAX(last_modified) FROM events`+where, args...).Scan(&newest); err != nil {
		return time.Time{}, false, err
	}
	if !newest.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(newest.Int64), true, nil
}

func (s *EventStore) AttachProperties(ctx context.Context, id string, props map[string]string) (schedule.Event, error) {
	var out schedule.Event
	err := s.d.inTx(ctx, func(tx *sql.Tx) error {
		stamp, err := s.d.advanceStamp(ctx, tx)
		if err != nil {
			return err
		}
		e, ok, err := loadEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok || e.Deleted {
			return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
		}
		e.CaptureAgentProperties = schedule.MergeProperties(e.CaptureAgentProperties, props)
		e.LastModified = stamp
		encoded, err := encodeMap(e.CaptureAgentProperties)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET agent_properties = ?, last_modified = ? WHERE id = ?`,
			encoded, stamp.UnixMicro(), id,
		); err != nil {
			return fmt.Errorf("attach properties to %s: %w", id, err)
		}
		out = e
		return nil
	})
	return out, err
}

func (s *EventStore) GetRecording(ctx context.Context, eventID string) (recording.Job, error) {
	var (
		job      recording.Job
		state    string
		modified int64
	)
	err := s.d.db.QueryRowContext(ctx,
		`SELECT event_id, state, last_modified FROM recordings WHERE event_id = ?`, eventID,
	).Scan(&job.EventID, &state, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return recording.Job{}, fmt.Errorf("%w: recording for %s", schedule.ErrNotFound, eventID)
	}
	if err != nil {
		return recording.Job{}, err
	}
	job.State = recording.State(state)
	job.LastModified = fromMicros(modified)
	return job, nil
}

func (s *EventStore) PutRecording(ctx context.Context, job recording.Job) error {
	return s.d.inTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := loadEvent(ctx, tx, job.EventID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", schedule.ErrNotFound, job.EventID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recordings (event_id, state, last_modified) VALUES (?, ?, ?)
			 ON CONFLICT(event_id) DO UPDATE SET state = excluded.state, last_modified = excluded.last_modified`,
			job.EventID, string(job.State), job.LastModified.UnixMicro(),
		)
		return err
	})
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
