package agents_test

import (
	"testing"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/agents/agenttest"
)

func TestMemoryStore_Contract(t *testing.T) {
	agenttest.Run(t, func(t *testing.T) agents.Store { return agents.NewMemoryStore() })
}
