package geotag

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is a single schema change. Up and Down are SQL scripts; each
// migration is applied in its own transaction and recorded in the
// schema_migrations ledger.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// migrations is the ordered schema history of the durable tier. Versions are
// applied ascending, exactly once.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_photo_coordinates",
		Up: `CREATE TABLE photo_coordinates (
			file_path TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			source TEXT NOT NULL,
			accuracy REAL,
			confidence REAL,
			timestamp INTEGER NOT NULL,
			grid_lat INTEGER NOT NULL,
			grid_lon INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		Down: `DROP TABLE photo_coordinates`,
	},
	{
		Version: 2,
		Name:    "create_query_stats",
		Up: `CREATE TABLE query_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query_type TEXT NOT NULL,
			execution_time_ms REAL NOT NULL,
			rows_examined INTEGER NOT NULL DEFAULT 0,
			rows_returned INTEGER NOT NULL DEFAULT 0,
			index_used TEXT,
			timestamp INTEGER NOT NULL
		)`,
		Down: `DROP TABLE query_stats`,
	},
	{
		Version: 3,
		Name:    "add_composite_indexes",
		Up: `CREATE INDEX idx_coords_source_time ON photo_coordinates (source, timestamp);
			CREATE INDEX idx_coords_latlon_time ON photo_coordinates (latitude, longitude, timestamp);
			CREATE INDEX idx_coords_time_source ON photo_coordinates (timestamp, source)`,
		Down: `DROP INDEX idx_coords_source_time;
			DROP INDEX idx_coords_latlon_time;
			DROP INDEX idx_coords_time_source`,
	},
	{
		Version: 4,
		Name:    "add_covering_indexes",
		// Bundle coordinate and quality columns so the common filtered
		// reads never touch the main table.
		Up: `CREATE INDEX idx_coords_cover_time ON photo_coordinates
				(timestamp, latitude, longitude, accuracy, confidence);
			CREATE INDEX idx_coords_cover_source ON photo_coordinates
				(source, timestamp, latitude, longitude, accuracy, confidence)`,
		Down: `DROP INDEX idx_coords_cover_time;
			DROP INDEX idx_coords_cover_source`,
	},
	{
		Version: 5,
		Name:    "add_temporal_indexes",
		Up: `CREATE INDEX idx_coords_time ON photo_coordinates (timestamp);
			CREATE INDEX idx_coords_hour ON photo_coordinates (timestamp / 3600000);
			CREATE INDEX idx_coords_day ON photo_coordinates (timestamp / 86400000)`,
		Down: `DROP INDEX idx_coords_time;
			DROP INDEX idx_coords_hour;
			DROP INDEX idx_coords_day`,
	},
	{
		Version: 6,
		Name:    "add_spatial_grid_index",
		Up:      `CREATE INDEX idx_coords_grid ON photo_coordinates (grid_lat, grid_lon)`,
		Down:    `DROP INDEX idx_coords_grid`,
	},
	{
		Version: 7,
		Name:    "add_partial_indexes",
		Up: `CREATE INDEX idx_coords_high_trust ON photo_coordinates (file_path, timestamp)
				WHERE source IN ('image_exif', 'database_cached', 'timeline_exact');
			CREATE INDEX idx_coords_high_confidence ON photo_coordinates (confidence, timestamp)
				WHERE confidence >= 0.8;
			CREATE INDEX idx_coords_high_accuracy ON photo_coordinates (accuracy, timestamp)
				WHERE accuracy <= 100`,
		Down: `DROP INDEX idx_coords_high_trust;
			DROP INDEX idx_coords_high_confidence;
			DROP INDEX idx_coords_high_accuracy`,
	},
	{
		Version: 8,
		Name:    "add_stats_time_index",
		Up:      `CREATE INDEX idx_stats_time ON query_stats (timestamp)`,
		Down:    `DROP INDEX idx_stats_time`,
	},
}

const ledgerSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// runMigrations applies all pending migrations in ascending version order.
// Re-running is idempotent: versions at or below the ledger's maximum are
// skipped. A failing migration is rolled back within its own transaction and
// aborts startup.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(ledgerSQL); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read migration ledger: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.Version <= int(current.Int64) {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("%w: migration %d (%s): %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
	}
	return nil
}

// applyMigration runs one migration transactionally and records it.
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(m.Up); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().Unix(),
	); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// rollbackTo undoes applied migrations above target in descending order,
// removing their ledger rows.
func rollbackTo(db *sql.DB, target int) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.Version <= target {
			break
		}

		var applied int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to read migration ledger: %w", err)
		}
		if applied == 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: rollback %d (%s): %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: rollback %d (%s): %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// appliedMigrations returns the ledger contents in ascending version order.
func appliedMigrations(db *sql.DB) ([]Migration, error) {
	rows, err := db.Query(`SELECT version, name FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name); err != nil {
			return nil, err
		}
		applied = append(applied, m)
	}
	return applied, rows.Err()
}
