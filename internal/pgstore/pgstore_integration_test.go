package pgstore_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/agents/agenttest"
	"capture_scheduler/core-go/internal/db"
	"capture_scheduler/core-go/internal/pgstore"
	"capture_scheduler/core-go/internal/schedule"
	"capture_scheduler/core-go/internal/schedule/storetest"
	"capture_scheduler/core-go/internal/sqlcgen"
)

func requireTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	return dsn
}

func mustDeriveDatabaseURL(t *testing.T, baseURL, dbName string) string {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		t.Skipf("TEST_DATABASE_URL must be a URL-style DSN (e.g. postgres://...); got %q", baseURL)
	}

	u.Path = "/" + dbName
	return u.String()
}

func adminExec(ctx context.Context, adminURL, sql string) error {
	conn, err := pgx.Connect(ctx, adminURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

// openTestPool creates a throwaway database, migrates it and drops it when
// the test ends. It returns the pool and the database URL.
func openTestPool(t *testing.T) (*db.Pool, string) {
	t.Helper()
	adminURL := requireTestDatabaseURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Letters, digits and underscores only so it needs no quoting.
	dbName := fmt.Sprintf("capsched_test_%d", time.Now().UnixNano())
	if err := adminExec(ctx, adminURL, "CREATE DATABASE "+dbName); err != nil {
		t.Fatalf("create database: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := adminExec(ctx, adminURL, "DROP DATABASE "+dbName+" WITH (FORCE)"); err != nil {
			_ = adminExec(ctx, adminURL, "DROP DATABASE "+dbName)
		}
	})

	dsn := mustDeriveDatabaseURL(t, adminURL, dbName)
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second run must be a no-op.
	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("re-run migrate: %v", err)
	}
	return pool, dsn
}

func reset(t *testing.T, dsn string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminExec(ctx, dsn, "TRUNCATE recordings, events, capture_agents"); err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

func TestEventStore_Postgres(t *testing.T) {
	pool, dsn := openTestPool(t)
	storetest.Run(t, func(t *testing.T) schedule.Store {
		reset(t, dsn)
		return pgstore.NewEventStore(pool)
	})
}

func TestAgentStore_Postgres(t *testing.T) {
	pool, dsn := openTestPool(t)
	agenttest.Run(t, func(t *testing.T) agents.Store {
		reset(t, dsn)
		return pgstore.NewAgentStore(pool)
	})
}

// An open writer on one event must neither block writers of other events
// nor let the sync cursor pass the stamp it will commit with.
func TestEventStore_PostgresOpenWriterDoesNotBlockOrSkip(t *testing.T) {
	pool, dsn := openTestPool(t)
	reset(t, dsn)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := pgstore.NewEventStore(pool)
	facade := schedule.NewFacade(zerolog.Nop(), store, agents.NewRegistry(pgstore.NewAgentStore(pool)), schedule.FacadeOptions{})

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	tx, err := conn.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	slow, err := sqlcgen.New(tx).UpsertEvent(ctx, sqlcgen.UpsertEventParams{
		ID:       "slow",
		DeviceID: "D1",
		StartsAt:        start,
		EndsAt:          start.Add(time.Hour),
		Metadata:        map[string]string{},
		AgentProperties: map[string]string{},
	})
	if err != nil {
		t.Fatalf("upsert in open tx: %v", err)
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer writeCancel()
	fast, err := store.Upsert(writeCtx, schedule.EventPatch{
		ID:       "fast",
		DeviceID: ptr("D2"),
		Start:    ptr(start),
		End:      ptr(start.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("writer of another event must not wait for the open tx: %v", err)
	}
	if !fast.LastModified.After(slow.LastModified) {
		t.Fatalf("expected fast stamp %v after slow stamp %v", fast.LastModified, slow.LastModified)
	}

	wm, err := store.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.Before(slow.LastModified) {
		t.Fatalf("watermark %v must stay below the uncommitted stamp %v", wm, slow.LastModified)
	}

	page, err := facade.Sync(ctx, schedule.Filter{}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != "fast" {
		t.Fatalf("expected only the committed event, got %+v", page.Events)
	}
	if !page.LastModified.Before(slow.LastModified) {
		t.Fatalf("cursor %v passed the uncommitted stamp %v", page.LastModified, slow.LastModified)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	next, err := facade.Sync(ctx, schedule.Filter{}, page.LastModified)
	if err != nil {
		t.Fatalf("Sync after commit: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range next.Events {
		seen[e.ID] = true
	}
	if !seen["slow"] {
		t.Fatalf("late commit was skipped by the cursor: got %+v", next.Events)
	}
}

func ptr[T any](v T) *T { return &v }
