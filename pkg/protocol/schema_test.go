package protocol_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"callctl/pkg/protocol"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	// Idempotent.
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("re-exec schema DDL: %v", err)
	}

	for _, table := range []string{"agents", "events"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}
}

func TestSchemaAgentDefaults(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	_, err := db.Exec(`INSERT INTO agents (id, agent_type, name, personality, created_at, updated_at)
		VALUES ('a1', 'receptionist', 'Front', 'calm', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	var status, deployment string
	if err := db.QueryRow(`SELECT status, deployment_status FROM agents WHERE id = 'a1'`).Scan(&status, &deployment); err != nil {
		t.Fatalf("select agent: %v", err)
	}
	if status != "active" {
		t.Errorf("status = %q, want active", status)
	}
	if deployment != "not_deployed" {
		t.Errorf("deployment_status = %q, want not_deployed", deployment)
	}
}

func TestMigrateDeploymentColumnsOnLegacyTable(t *testing.T) {
	db := openMemDB(t)
	_, err := db.Exec(`CREATE TABLE agents (
		id TEXT PRIMARY KEY, agent_type TEXT NOT NULL, name TEXT NOT NULL,
		personality TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	for _, stmt := range protocol.MigrateDeploymentColumns {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("migrate %q: %v", stmt, err)
		}
	}
	// A second pass fails per column; callers ignore those errors.
	if _, err := db.Exec(protocol.MigrateDeploymentColumns[0]); err == nil {
		t.Error("expected duplicate column error on second migration")
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("schema DDL after migration: %v", err)
	}
}
