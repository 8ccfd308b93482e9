// Package agenttest holds the behaviour every agents.Store backend must show.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"capture_scheduler/core-go/internal/agents"
)

type Factory func(t *testing.T) agents.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("HeartbeatCreatesThenRefreshes", func(t *testing.T) { testHeartbeat(t, newStore(t)) })
	t.Run("UpdateKnownAgentOnly", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("ListOrderedByName", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ConcurrentHeartbeats", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func testHeartbeat(t *testing.T, s agents.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "room-101"); !errors.Is(err, agents.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	a, err := s.Heartbeat(ctx, "room-101", agents.StateIdle, t0)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if a.Name != "room-101" || a.State != agents.StateIdle || !a.LastHeardFrom.Equal(t0) {
		t.Fatalf("unexpected agent %+v", a)
	}

	if _, err := s.Heartbeat(ctx, "room-101", agents.StateCapturing, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "room-101")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != agents.StateCapturing || !got.LastHeardFrom.Equal(t0.Add(time.Minute)) {
		t.Fatalf("stored agent %+v", got)
	}
}

func testUpdate(t *testing.T, s agents.Store) {
	ctx := context.Background()
	url := "http://10.0.0.5:8080"
	if _, err := s.Update(ctx, "room-101", agents.AgentPatch{URL: &url}); !errors.Is(err, agents.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Heartbeat(ctx, "room-101", agents.StateIdle, t0); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Update(ctx, "room-101", agents.AgentPatch{
		URL:          &url,
		Capabilities: map[string]string{"camera": "true"},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Update(ctx, "room-101", agents.AgentPatch{
		Configuration: map[string]string{"capture.device.names": "camera"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "room-101")
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != url || got.Capabilities["camera"] != "true" || got.Configuration["capture.device.names"] != "camera" {
		t.Fatalf("stored agent %+v", got)
	}
	if got.State != agents.StateIdle || !got.LastHeardFrom.Equal(t0) {
		t.Fatalf("update must not touch state or last heard: %+v", got)
	}
}

func testList(t *testing.T, s agents.Store) {
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		if _, err := s.Heartbeat(ctx, name, agents.StateIdle, t0); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Name != "a" || list[1].Name != "b" || list[2].Name != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func testConcurrent(t *testing.T, s agents.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("agent-%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				if _, err := s.Heartbeat(ctx, name, agents.StateIdle, t0.Add(time.Duration(j)*time.Second)); err != nil {
					t.Errorf("Heartbeat: %v", err)
				}
			}(j)
		}
	}
	wg.Wait()

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(list))
	}
}
