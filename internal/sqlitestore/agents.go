package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"capture_scheduler/core-go/internal/agents"
)

type AgentStore struct {
	d *DB
}

var _ agents.Store = (*AgentStore)(nil)

const agentColumns = `name, state, url, capabilities, configuration, last_heard_from`

func scanAgent(row rowScanner) (agents.Agent, error) {
	var (
		a             agents.Agent
		caps, conf    string
		lastHeardFrom int64
	)
	if err := row.Scan(&a.Name, &a.State, &a.URL, &caps, &conf, &lastHeardFrom); err != nil {
		return agents.Agent{}, err
	}
	var err error
	if a.Capabilities, err = decodeMap(caps); err != nil {
		return agents.Agent{}, fmt.Errorf("decode capabilities of %s: %w", a.Name, err)
	}
	if a.Configuration, err = decodeMap(conf); err != nil {
		return agents.Agent{}, fmt.Errorf("decode configuration of %s: %w", a.Name, err)
	}
	a.LastHeardFrom = fromMicros(lastHeardFrom)
	return a, nil
}

func (s *AgentStore) Heartbeat(ctx context.Context, name, state string, at time.Time) (agents.Agent, error) {
	var out agents.Agent
	err := retryOp(ctx, s.d.retry, func() error {
		if _, err := s.d.db.ExecContext(ctx,
			`INSERT INTO capture_agents (name, state, last_heard_from) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET state = excluded.state, last_heard_from = excluded.last_heard_from`,
			name, state, at.UnixMicro(),
		); err != nil {
			return err
		}
		a, err := s.Get(ctx, name)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return agents.Agent{}, fmt.Errorf("record heartbeat for %s: %w", name, err)
	}
	return out, nil
}

func (s *AgentStore) Update(ctx context.Context, name string, p agents.AgentPatch) (agents.Agent, error) {
	var out agents.Agent
	err := s.d.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM capture_agents WHERE name = ?`, name))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", agents.ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		a = p.ApplyTo(a)
		caps, err := encodeMap(a.Capabilities)
		if err != nil {
			return err
		}
		conf, err := encodeMap(a.Configuration)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE capture_agents SET url = ?, capabilities = ?, configuration = ? WHERE name = ?`,
			a.URL, caps, conf, name,
		); err != nil {
			return fmt.Errorf("update agent %s: %w", name, err)
		}
		out = a
		return nil
	})
	return out, err
}

func (s *AgentStore) Get(ctx context.Context, name string) (agents.Agent, error) {
	a, err := scanAgent(s.d.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM capture_agents WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return agents.Agent{}, fmt.Errorf("%w: %s", agents.ErrNotFound, name)
	}
	return a, err
}

func (s *AgentStore) List(ctx context.Context) ([]agents.Agent, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM capture_agents ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []agents.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
