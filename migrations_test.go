package geotag

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate-test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func indexExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	return n > 0
}

func TestMigrationsApplyAll(t *testing.T) {
	db := openRawDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		t.Fatalf("appliedMigrations: %v", err)
	}
	if len(applied) != len(migrations) {
		t.Fatalf("ledger has %d rows, want %d", len(applied), len(migrations))
	}
	for i, m := range applied {
		if m.Version != migrations[i].Version || m.Name != migrations[i].Name {
			t.Errorf("ledger row %d = %d/%s, want %d/%s", i, m.Version, m.Name, migrations[i].Version, migrations[i].Name)
		}
	}

	for _, idx := range []string{
		"idx_coords_source_time", "idx_coords_latlon_time", "idx_coords_time_source",
		"idx_coords_cover_time", "idx_coords_grid",
		"idx_coords_high_trust", "idx_coords_high_confidence", "idx_coords_high_accuracy",
	} {
		if !indexExists(t, db, idx) {
			t.Errorf("index %s missing after migrations", idx)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := openRawDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// A second run must skip everything: no duplicate-creation errors,
	// no duplicate ledger rows
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Errorf("ledger has %d rows after re-run, want %d", count, len(migrations))
	}
}

func TestRollbackTo(t *testing.T) {
	db := openRawDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	if err := rollbackTo(db, 5); err != nil {
		t.Fatalf("rollbackTo: %v", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 5 {
		t.Fatalf("ledger has %d rows after rollback, want 5", len(applied))
	}
	if applied[len(applied)-1].Version != 5 {
		t.Errorf("max version = %d, want 5", applied[len(applied)-1].Version)
	}

	if indexExists(t, db, "idx_coords_grid") {
		t.Error("idx_coords_grid still exists after rolling back version 6")
	}
	if !indexExists(t, db, "idx_coords_time") {
		t.Error("idx_coords_time from version 5 was removed")
	}

	// Re-running migrations brings the schema back
	if err := runMigrations(db); err != nil {
		t.Fatalf("re-run after rollback: %v", err)
	}
	if !indexExists(t, db, "idx_coords_grid") {
		t.Error("idx_coords_grid missing after re-run")
	}
}

func TestDBRollbackTo(t *testing.T) {
	db := openTestDB(t)

	if err := db.RollbackTo(5); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}

	applied, err := appliedMigrations(db.DB)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 5 {
		t.Fatalf("ledger has %d rows after rollback, want 5", len(applied))
	}
	if indexExists(t, db.DB, "idx_coords_grid") {
		t.Error("idx_coords_grid still exists after rolling back version 6")
	}
}

func TestMigrationFailureRollsBack(t *testing.T) {
	db := openRawDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	bad := Migration{
		Version: 999,
		Name:    "broken",
		Up:      `CREATE TABLE ok (id INTEGER); THIS IS NOT SQL`,
		Down:    `DROP TABLE ok`,
	}
	if err := applyMigration(db, bad); err == nil {
		t.Fatal("broken migration applied cleanly")
	}

	// The partial table creation was rolled back with the transaction
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'ok'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("partial migration left schema behind")
	}

	var ledger int
	if err := db.QueryRow(`SELECT count(*) FROM schema_migrations WHERE version = 999`).Scan(&ledger); err != nil {
		t.Fatal(err)
	}
	if ledger != 0 {
		t.Error("failed migration recorded in ledger")
	}
}
