package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// nextStamp is the modification stamp of a row being rewritten: the
// statement clock, bumped past the stored stamp when the clock has not moved.
const nextStamp = `GREATEST(clock_timestamp(), events.last_modified + interval '1 microsecond')`

const lockEventID = `-- name: LockEventID :exec
SELECT pg_advisory_xact_lock(hashtextextended($1, 0))
`

// LockEventID serializes writers of one id until the transaction ends, also
// when the row does not exist yet.
func (q *Queries) LockEventID(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, lockEventID, id)
	return err
}

const settledStamp = `-- name: SettledStamp :one
SELECT LEAST(
         statement_timestamp(),
         COALESCE((
           SELECT min(xact_start)
           FROM pg_stat_activity
           WHERE datname = current_database()
             AND backend_type = 'client backend'
             AND pid <> pg_backend_pid()
             AND xact_start IS NOT NULL
         ), 'infinity'::timestamptz)
       ) - interval '1 microsecond'
`

// SettledStamp returns a stamp no open transaction can still write at or
// below. Every stamp is taken from clock_timestamp() inside its transaction,
// so it is never earlier than that transaction's start.
func (q *Queries) SettledStamp(ctx context.Context) (time.Time, error) {
	row := q.db.QueryRow(ctx, settledStamp)
	var ts time.Time
	err := row.Scan(&ts)
	return ts, err
}

const eventColumns = `id,
       device_id,
       starts_at,
       ends_at,
       metadata,
       agent_properties,
       last_modified,
       deleted`

func scanEvent(row pgx.Row) (Event, error) {
	var i Event
	err := row.Scan(
		&i.ID,
		&i.DeviceID,
		&i.StartsAt,
		&i.EndsAt,
		&i.Metadata,
		&i.AgentProperties,
		&i.LastModified,
		&i.Deleted,
	)
	return i, err
}

const getEvent = `-- name: GetEvent :one
SELECT ` + eventColumns + `
FROM events
WHERE id = $1
`

func (q *Queries) GetEvent(ctx context.Context, id string) (Event, error) {
	return scanEvent(q.db.QueryRow(ctx, getEvent, id))
}

const getEventForUpdate = `-- name: GetEventForUpdate :one
SELECT ` + eventColumns + `
FROM events
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetEventForUpdate(ctx context.Context, id string) (Event, error) {
	return scanEvent(q.db.QueryRow(ctx, getEventForUpdate, id))
}

const upsertEvent = `-- name: UpsertEvent :one
INSERT INTO events (
  id,
  device_id,
  starts_at,
  ends_at,
  metadata,
  agent_properties,
  last_modified,
  deleted
)
VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb), COALESCE($6, '{}'::jsonb), clock_timestamp(), FALSE)
ON CONFLICT (id) DO UPDATE
SET device_id = EXCLUDED.device_id,
    starts_at = EXCLUDED.starts_at,
    ends_at = EXCLUDED.ends_at,
    metadata = EXCLUDED.metadata,
    agent_properties = EXCLUDED.agent_properties,
    last_modified = ` + nextStamp + `,
    deleted = FALSE
RETURNING ` + eventColumns + `
`

type UpsertEventParams struct {
	ID              string
	DeviceID        string
	StartsAt        time.Time
	EndsAt          time.Time
	Metadata        map[string]string
	AgentProperties map[string]string
}

func (q *Queries) UpsertEvent(ctx context.Context, arg UpsertEventParams) (Event, error) {
	row := q.db.QueryRow(ctx, upsertEvent,
		arg.ID,
		arg.DeviceID,
		arg.StartsAt,
		arg.EndsAt,
		arg.Metadata,
		arg.AgentProperties,
	)
	return scanEvent(row)
}

const markEventDeleted = `-- name: MarkEventDeleted :execrows
UPDATE events
SET deleted = TRUE,
    last_modified = ` + nextStamp + `
WHERE id = $1
`

func (q *Queries) MarkEventDeleted(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, markEventDeleted, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const setAgentProperties = `-- name: SetAgentProperties :one
UPDATE events
SET agent_properties = $2,
    last_modified = ` + nextStamp + `
WHERE id = $1 AND NOT deleted
RETURNING ` + eventColumns + `
`

func (q *Queries) SetAgentProperties(ctx context.Context, id string, props map[string]string) (Event, error) {
	return scanEvent(q.db.QueryRow(ctx, setAgentProperties, id, props))
}

// eventFilter is shared by ListEvents and MaxLastModified. NULL parameters
// do not constrain the result.
const eventFilter = `
WHERE ($1::text[] IS NULL OR id = ANY($1::text[]))
  AND ($2::text = '' OR device_id = $2::text)
  AND ($3::timestamptz IS NULL OR starts_at >= $3::timestamptz)
  AND ($4::timestamptz IS NULL OR ends_at <= $4::timestamptz)
  AND ($5::timestamptz IS NULL OR ends_at >= $5::timestamptz)
  AND ($6::timestamptz IS NULL OR starts_at <= $6::timestamptz)
  AND ($7::timestamptz IS NULL OR last_modified > $7::timestamptz)
  AND ($8::boolean OR NOT deleted)
`

type EventFilterParams struct {
	IDs            []string
	DeviceID       string
	StartsFrom     *time.Time
	EndsTo         *time.Time
	EndsFrom       *time.Time
	StartsTo       *time.Time
	ModifiedAfter  *time.Time
	IncludeDeleted bool
}

func (p EventFilterParams) args() []any {
	return []any{
		p.IDs,
		p.DeviceID,
		p.StartsFrom,
		p.EndsTo,
		p.EndsFrom,
		p.StartsTo,
		p.ModifiedAfter,
		p.IncludeDeleted,
	}
}

const listEvents = `-- name: ListEvents :many
SELECT ` + eventColumns + `
FROM events` + eventFilter + `ORDER BY starts_at ASC, id ASC
`

func (q *Queries) ListEvents(ctx context.Context, arg EventFilterParams) ([]Event, error) {
	rows, err := q.db.Query(ctx, listEvents, arg.args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Event
	for rows.Next() {
		i, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const maxLastModified = `-- name: MaxLastModified :one
SELECT MAX(last_modified)
FROM events` + eventFilter

// MaxLastModified returns nil when no event matches.
func (q *Queries) MaxLastModified(ctx context.Context, arg EventFilterParams) (*time.Time, error) {
	row := q.db.QueryRow(ctx, maxLastModified, arg.args()...)
	var ts *time.Time
	err := row.Scan(&ts)
	return ts, err
}

const getRecording = `-- name: GetRecording :one
SELECT event_id, state, last_modified
FROM recordings
WHERE event_id = $1
`

func (q *Queries) GetRecording(ctx context.Context, eventID string) (Recording, error) {
	row := q.db.QueryRow(ctx, getRecording, eventID)
	var i Recording
	err := row.Scan(&i.EventID, &i.State, &i.LastModified)
	return i, err
}

const upsertRecording = `-- name: UpsertRecording :exec
INSERT INTO recordings (event_id, state, last_modified)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO UPDATE
SET state = EXCLUDED.state,
    last_modified = EXCLUDED.last_modified
`

func (q *Queries) UpsertRecording(ctx context.Context, arg Recording) error {
	_, err := q.db.Exec(ctx, upsertRecording, arg.EventID, arg.State, arg.LastModified)
	return err
}

const agentColumns = `name,
       state,
       url,
       capabilities,
       configuration,
       last_heard_from`

func scanAgent(row pgx.Row) (CaptureAgent, error) {
	var i CaptureAgent
	err := row.Scan(
		&i.Name,
		&i.State,
		&i.Url,
		&i.Capabilities,
		&i.Configuration,
		&i.LastHeardFrom,
	)
	return i, err
}

const recordHeartbeat = `-- name: RecordHeartbeat :one
INSERT INTO capture_agents (name, state, last_heard_from)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET state = EXCLUDED.state,
    last_heard_from = EXCLUDED.last_heard_from
RETURNING ` + agentColumns + `
`

func (q *Queries) RecordHeartbeat(ctx context.Context, name, state string, at time.Time) (CaptureAgent, error) {
	return scanAgent(q.db.QueryRow(ctx, recordHeartbeat, name, state, at))
}

const getAgent = `-- name: GetAgent :one
SELECT ` + agentColumns + `
FROM capture_agents
WHERE name = $1
`

func (q *Queries) GetAgent(ctx context.Context, name string) (CaptureAgent, error) {
	return scanAgent(q.db.QueryRow(ctx, getAgent, name))
}

const getAgentForUpdate = `-- name: GetAgentForUpdate :one
SELECT ` + agentColumns + `
FROM capture_agents
WHERE name = $1
FOR UPDATE
`

func (q *Queries) GetAgentForUpdate(ctx context.Context, name string) (CaptureAgent, error) {
	return scanAgent(q.db.QueryRow(ctx, getAgentForUpdate, name))
}

const updateAgentDetails = `-- name: UpdateAgentDetails :one
UPDATE capture_agents
SET url = $2,
    capabilities = COALESCE($3, '{}'::jsonb),
    configuration = COALESCE($4, '{}'::jsonb)
WHERE name = $1
RETURNING ` + agentColumns + `
`

type UpdateAgentDetailsParams struct {
	Name          string
	Url           string
	Capabilities  map[string]string
	Configuration map[string]string
}

func (q *Queries) UpdateAgentDetails(ctx context.Context, arg UpdateAgentDetailsParams) (CaptureAgent, error) {
	row := q.db.QueryRow(ctx, updateAgentDetails, arg.Name, arg.Url, arg.Capabilities, arg.Configuration)
	return scanAgent(row)
}

const listAgents = `-- name: ListAgents :many
SELECT ` + agentColumns + `
FROM capture_agents
ORDER BY name ASC
`

func (q *Queries) ListAgents(ctx context.Context) ([]CaptureAgent, error) {
	rows, err := q.db.Query(ctx, listAgents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CaptureAgent
	for rows.Next() {
		i, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
