package hillsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("hillsync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	if err := backend.Save(sampleState("ws_pg")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Workspaces["ws_pg"] == nil {
		t.Fatalf("expected persisted workspace ws_pg, got %+v", loaded)
	}

	loaded.Workspaces["ws_pg"].Positions[positionKey("ISS-2", "proj_1")] = IssuePosition{
		IssueID:   "ISS-2",
		ProjectID: "proj_1",
		XPosition: 77,
	}
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil {
		t.Fatalf("expected non-nil snapshot on reload")
	}
	position := reloaded.Workspaces["ws_pg"].Positions[positionKey("ISS-2", "proj_1")]
	if position.XPosition != 77 {
		t.Fatalf("expected upserted position 77, got %v", position.XPosition)
	}
}

func TestPostgresIntegrationStoreRecoversAcrossRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("hillsync_store_it")

	openBackend := func() *PostgresStateBackend {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		pg := backend.(*PostgresStateBackend)
		pg.tableName = tableName
		pg.stateKey = "it"
		return pg
	}

	first := openBackend()
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, tableName)
	})
	store := NewStoreWithOptions(StoreOptions{StateBackend: first})
	seedProject(t, store, "ws_restart", "proj_1")
	if _, err := store.UpsertPosition(PositionWriteRequest{
		WorkspaceID: "ws_restart",
		IssueID:     "ISS-1",
		ProjectID:   "proj_1",
		XPosition:   62,
		LastUpdated: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	store.Close()

	recovered := NewStoreWithOptions(StoreOptions{StateBackend: openBackend()})
	t.Cleanup(recovered.Close)
	snapshot, err := recovered.SyncSnapshot("ws_restart")
	if err != nil {
		t.Fatalf("recovered snapshot failed: %v", err)
	}
	if snapshot.IssuePositions["ISS-1"].XPosition != 62 {
		t.Fatalf("expected recovered position 62, got %+v", snapshot.IssuePositions["ISS-1"])
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HILLSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set HILLSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
