package geotag

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// CacheEntry is the best-known coordinate for a photo. Timestamp is the
// photo's own capture time, not the write time; it drives time-range queries.
type CacheEntry struct {
	FilePath   string    `json:"filePath"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Source     string    `json:"source"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProximityEntry is a proximity-query result with its refined distance.
type ProximityEntry struct {
	CacheEntry
	DistanceKm float64 `json:"distanceKm"`
}

// DB is the durable tier: SQLite storage for coordinate entries plus query
// telemetry. All queries run through the performance monitor.
type DB struct {
	*sql.DB
	monitor *PerformanceMonitor
	logger  *slog.Logger
}

// OpenDB opens (or creates) the SQLite database, applies pending migrations
// and wires up the performance monitor. A migration failure aborts startup;
// no further durable-tier access is attempted.
func OpenDB(path string, logger *slog.Logger, slowThreshold time.Duration) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	return &DB{
		DB:      db,
		monitor: newPerformanceMonitor(db, logger, slowThreshold),
		logger:  logger,
	}, nil
}

// Monitor exposes the query performance monitor.
func (db *DB) Monitor() *PerformanceMonitor {
	return db.monitor
}

// RollbackTo undoes schema migrations above the target version in descending
// order, removing their ledger rows. Intended for operator-driven downgrades;
// the next open re-applies the rolled-back migrations.
func (db *DB) RollbackTo(version int) error {
	return rollbackTo(db.DB, version)
}

const upsertEntrySQL = `INSERT OR REPLACE INTO photo_coordinates
	(file_path, latitude, longitude, source, accuracy, confidence, timestamp, grid_lat, grid_lon, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpsertEntry writes an entry to the durable tier. Priority arbitration
// happens above this layer, in the store.
func (db *DB) UpsertEntry(e CacheEntry) error {
	gridLat, gridLon := GridCell(e.Latitude, e.Longitude)

	start := time.Now()
	res, err := db.Exec(upsertEntrySQL,
		e.FilePath, e.Latitude, e.Longitude, e.Source,
		nullFloat(e.Accuracy), nullFloat(e.Confidence),
		e.Timestamp.UnixMilli(), gridLat, gridLon, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	db.monitor.ObserveWrite("upsert_entry", time.Since(start), affected)
	return nil
}

const selectEntrySQL = `SELECT file_path, latitude, longitude, source, accuracy, confidence, timestamp
	FROM photo_coordinates WHERE file_path = ?`

// GetEntry returns the entry for a photo, or nil when absent.
func (db *DB) GetEntry(filePath string) (*CacheEntry, error) {
	start := time.Now()
	row := db.QueryRow(selectEntrySQL, filePath)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		db.monitor.Observe("get_entry", selectEntrySQL, []any{filePath}, time.Since(start), 0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	db.monitor.Observe("get_entry", selectEntrySQL, []any{filePath}, time.Since(start), 1)
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*CacheEntry, error) {
	var e CacheEntry
	var accuracy, confidence sql.NullFloat64
	var ts int64
	if err := row.Scan(&e.FilePath, &e.Latitude, &e.Longitude, &e.Source, &accuracy, &confidence, &ts); err != nil {
		return nil, err
	}
	if accuracy.Valid {
		e.Accuracy = &accuracy.Float64
	}
	if confidence.Valid {
		e.Confidence = &confidence.Float64
	}
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}

const timeRangeSQL = `SELECT file_path, latitude, longitude, source, accuracy, confidence, timestamp
	FROM photo_coordinates
	WHERE timestamp BETWEEN ? AND ?
	ORDER BY ABS(timestamp - ?)
	LIMIT ?`

// QueryByTimeRange returns entries within toleranceMinutes of target,
// ordered by absolute time distance.
func (db *DB) QueryByTimeRange(target time.Time, toleranceMinutes float64, limit int) ([]CacheEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	targetMs := target.UnixMilli()
	tolMs := int64(toleranceMinutes * 60 * 1000)
	args := []any{targetMs - tolMs, targetMs + tolMs, targetMs, limit}

	start := time.Now()
	rows, err := db.Query(timeRangeSQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	db.monitor.Observe("find_by_time_range", timeRangeSQL, args, time.Since(start), int64(len(entries)))
	return entries, nil
}

const proximitySQL = `SELECT file_path, latitude, longitude, source, accuracy, confidence, timestamp
	FROM photo_coordinates
	WHERE grid_lat BETWEEN ? AND ? AND grid_lon BETWEEN ? AND ?`

// QueryByProximity returns entries within radiusKm of a point. The coarse
// grid bounds the candidate set; candidates are refined by exact
// great-circle distance and ordered nearest-first.
func (db *DB) QueryByProximity(lat, lon, radiusKm float64, limit int) ([]ProximityEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	gridLat, gridLon := GridCell(lat, lon)
	// One grid unit is ~111m.
	span := int64(math.Ceil(radiusKm*1000/111)) + 1
	args := []any{gridLat - span, gridLat + span, gridLon - span, gridLon + span}

	start := time.Now()
	rows, err := db.Query(proximitySQL, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []ProximityEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		dist := HaversineMeters(lat, lon, e.Latitude, e.Longitude) / 1000
		if dist > radiusKm {
			continue
		}
		candidates = append(candidates, ProximityEntry{CacheEntry: *e, DistanceKm: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	db.monitor.Observe("find_by_proximity", proximitySQL, args, time.Since(start), int64(len(candidates)))
	return candidates, nil
}

// AllEntries returns every stored entry ordered by file path, for export.
func (db *DB) AllEntries() ([]CacheEntry, error) {
	rows, err := db.Query(`SELECT file_path, latitude, longitude, source, accuracy, confidence, timestamp
		FROM photo_coordinates ORDER BY file_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Maintain re-analyzes statistics, rebuilds indexes and purges telemetry
// beyond the retention window. Intended to run periodically.
func (db *DB) Maintain(retentionDays int) error {
	if _, err := db.Exec(`ANALYZE`); err != nil {
		return fmt.Errorf("analyze failed: %w", err)
	}
	if _, err := db.Exec(`REINDEX`); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	purged, err := db.monitor.Purge(retentionDays)
	if err != nil {
		return fmt.Errorf("telemetry purge failed: %w", err)
	}
	if purged > 0 {
		db.logger.Info("purged query telemetry", "rows", purged)
	}
	return nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
