package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/sqlcgen"
)

type AgentStore struct {
	db TxRunner
}

var _ agents.Store = (*AgentStore)(nil)

func NewAgentStore(db TxRunner) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Heartbeat(ctx context.Context, name, state string, at time.Time) (agents.Agent, error) {
	row, err := s.db.Queries().RecordHeartbeat(ctx, name, state, at)
	if err != nil {
		return agents.Agent{}, fmt.Errorf("record heartbeat for %s: %w", name, err)
	}
	return toAgent(row), nil
}

func (s *AgentStore) Update(ctx context.Context, name string, p agents.AgentPatch) (agents.Agent, error) {
	var out agents.Agent
	err := s.db.InTx(ctx, func(q *sqlcgen.Queries) error {
		row, err := q.GetAgentForUpdate(ctx, name)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", agents.ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		next := p.ApplyTo(toAgent(row))
		stored, err := q.UpdateAgentDetails(ctx, sqlcgen.UpdateAgentDetailsParams{
			Name:          name,
			Url:           next.URL,
			Capabilities:  nonNil(next.Capabilities),
			Configuration: nonNil(next.Configuration),
		})
		if err != nil {
			return fmt.Errorf("update agent %s: %w", name, err)
		}
		out = toAgent(stored)
		return nil
	})
	return out, err
}

func (s *AgentStore) Get(ctx context.Context, name string) (agents.Agent, error) {
	row, err := s.db.Queries().GetAgent(ctx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return agents.Agent{}, fmt.Errorf("%w: %s", agents.ErrNotFound, name)
	}
	if err != nil {
		return agents.Agent{}, err
	}
	return toAgent(row), nil
}

func (s *AgentStore) List(ctx context.Context) ([]agents.Agent, error) {
	rows, err := s.db.Queries().ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]agents.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAgent(r))
	}
	return out, nil
}

func toAgent(r sqlcgen.CaptureAgent) agents.Agent {
	return agents.Agent{
		Name:          r.Name,
		State:         r.State,
		URL:           r.Url,
		Capabilities:  nilIfEmpty(r.Capabilities),
		Configuration: nilIfEmpty(r.Configuration),
		LastHeardFrom: r.LastHeardFrom.UTC(),
	}
}
