// Package agents tracks the capture devices that report to the scheduler.
//
// An agent exists from its first heartbeat on and is never removed; an agent
// that stops reporting is detected through IsStale rather than deletion.
package agents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("agent not found")
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
)

// Conventional agent states. The registry stores whatever non-empty state an
// agent reports; these only name the values capture agents commonly send.
const (
	StateIdle         = "idle"
	StateCapturing    = "capturing"
	StateUploading    = "uploading"
	StateShuttingDown = "shutting_down"
	StateOffline      = "offline"
	StateUnknown      = "unknown"
	StateError        = "error"
)

type Agent struct {
	Name          string            `json:"name"`
	State         string            `json:"state"`
	URL           string            `json:"url,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Configuration map[string]string `json:"configuration,omitempty"`
	LastHeardFrom time.Time         `json:"last_heard_from"`
}

func (a Agent) Clone() Agent {
	a.Capabilities = cloneMap(a.Capabilities)
	a.Configuration = cloneMap(a.Configuration)
	return a
}

// AgentPatch updates the pass-through fields of a known agent. Nil fields are
// left untouched; a non-nil map replaces the stored one.
type AgentPatch struct {
	URL           *string           `json:"url,omitempty"`
	Capabilities  map[string]string `json:"capabilities,omitempty"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

func (p AgentPatch) ApplyTo(a Agent) Agent {
	a = a.Clone()
	if p.URL != nil {
		a.URL = *p.URL
	}
	if p.Capabilities != nil {
		a.Capabilities = cloneMap(p.Capabilities)
	}
	if p.Configuration != nil {
		a.Configuration = cloneMap(p.Configuration)
	}
	return a
}

// Store persists agent records. Calls for the same name are linearized;
// calls for different names never wait on each other.
type Store interface {
	// Heartbeat creates the agent if needed and sets state and last heard.
	Heartbeat(ctx context.Context, name, state string, at time.Time) (Agent, error)
	Update(ctx context.Context, name string, p AgentPatch) (Agent, error)
	Get(ctx context.Context, name string) (Agent, error)
	// List returns all agents ordered by name.
	List(ctx context.Context) ([]Agent, error)
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
