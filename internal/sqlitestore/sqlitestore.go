// Package sqlitestore persists events, recording jobs and capture agents in
// a single SQLite file. It suits one scheduler process on one host.
//
// Write transactions start with BEGIN IMMEDIATE, so writers queue on the
// database lock instead of failing late on upgrade. Timestamps are stored
// as unix microseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	db    *sql.DB
	retry retryConfig
	now   func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	d, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// NewWithDB wraps an already opened handle and applies the schema.
func NewWithDB(db *sql.DB) (*DB, error) {
	d := &DB{db: db, retry: defaultRetryConfig, now: time.Now}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Events() *EventStore { return &EventStore{d: d} }

func (d *DB) Agents() *AgentStore { return &AgentStore{d: d} }

const schema = `
CREATE TABLE IF NOT EXISTS stamp_clock (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	last_stamp INTEGER NOT NULL
);
INSERT OR IGNORE INTO stamp_clock (id, last_stamp) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS events (
	id               TEXT PRIMARY KEY,
	device_id        TEXT NOT NULL,
	starts_at        INTEGER NOT NULL,
	ends_at          INTEGER NOT NULL,
	metadata         TEXT NOT NULL DEFAULT '{}',
	agent_properties TEXT NOT NULL DEFAULT '{}',
	last_modified    INTEGER NOT NULL,
	deleted          INTEGER NOT NULL DEFAULT 0,
	CHECK (starts_at < ends_at)
);
CREATE INDEX IF NOT EXISTS idx_events_device_window ON events(device_id, starts_at, ends_at);
CREATE INDEX IF NOT EXISTS idx_events_last_modified ON events(last_modified);

CREATE TABLE IF NOT EXISTS recordings (
	event_id      TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
	state         TEXT NOT NULL,
	last_modified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capture_agents (
	name            TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	url             TEXT NOT NULL DEFAULT '',
	capabilities    TEXT NOT NULL DEFAULT '{}',
	configuration   TEXT NOT NULL DEFAULT '{}',
	last_heard_from INTEGER NOT NULL
);
`

func (d *DB) migrate() error {
	_, err := d.db.Exec(schema)
	return err
}

// inTx runs fn in a write transaction, retrying the whole unit on
// transient lock errors.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOp(ctx, d.retry, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// advanceStamp returns a stamp newer than every stamp handed out before.
func (d *DB) advanceStamp(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var last int64
	err := tx.QueryRowContext(ctx,
		`UPDATE stamp_clock SET last_stamp = MAX(?, last_stamp + 1) WHERE id = 1 RETURNING last_stamp`,
		d.now().UnixMicro(),
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("advance stamp: %w", err)
	}
	return fromMicros(last), nil
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
