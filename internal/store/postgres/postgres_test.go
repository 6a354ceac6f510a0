package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/teleward/teleward/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is
// unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	if err := db.SaveState(ctx, "s1", store.StateApplication, store.ApplicationState{Mode: "live"}, false); err != nil {
		t.Fatalf("save state: %v", err)
	}
	var app store.ApplicationState
	found, err := db.LoadState(ctx, "s1", store.StateApplication, &app)
	if err != nil || !found || app.Mode != "live" {
		t.Fatalf("load state: found=%v err=%v app=%+v", found, err, app)
	}

	if err := db.MarkSessionEnded(ctx, "s1", store.EndManualStop); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	if err := db.MarkSessionEnded(ctx, "s1", store.EndCrash); err != nil {
		t.Fatalf("second mark ended: %v", err)
	}
	sessions, err := db.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Ended || sessions[0].EndReason != store.EndManualStop {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	day := store.Today()
	for i := 1; i <= 3; i++ {
		n, err := db.IncrCounter(ctx, 9, day, store.CounterRandom)
		if err != nil || n != i {
			t.Fatalf("incr %d: n=%d err=%v", i, n, err)
		}
	}
	removed, err := db.ResetCounters(ctx, day, store.CounterRandom)
	if err != nil || removed != 1 {
		t.Fatalf("reset: removed=%d err=%v", removed, err)
	}
}
