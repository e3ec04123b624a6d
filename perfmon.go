package geotag

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSlowQueryThreshold flags queries worth logging with their plan.
const DefaultSlowQueryThreshold = 100 * time.Millisecond

// DefaultStatsRetentionDays bounds how long query telemetry is kept.
const DefaultStatsRetentionDays = 30

// QueryStat is one telemetry row, appended after every durable-tier query.
type QueryStat struct {
	QueryType       string    `json:"queryType"`
	ExecutionTimeMs float64   `json:"executionTimeMs"`
	RowsExamined    int64     `json:"rowsExamined"`
	RowsReturned    int64     `json:"rowsReturned"`
	IndexUsed       string    `json:"indexUsed,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// QueryAggregate summarizes observed executions of one query type or index.
type QueryAggregate struct {
	Count      int64   `json:"count"`
	AvgMs      float64 `json:"avgMs"`
	MinMs      float64 `json:"minMs"`
	MaxMs      float64 `json:"maxMs"`
	TableScans int64   `json:"tableScans"`
}

type aggregate struct {
	count      int64
	totalMs    float64
	minMs      float64
	maxMs      float64
	tableScans int64
}

func (a *aggregate) observe(ms float64, tableScan bool) {
	if a.count == 0 || ms < a.minMs {
		a.minMs = ms
	}
	if ms > a.maxMs {
		a.maxMs = ms
	}
	a.count++
	a.totalMs += ms
	if tableScan {
		a.tableScans++
	}
}

func (a *aggregate) snapshot() QueryAggregate {
	return QueryAggregate{
		Count:      a.count,
		AvgMs:      a.totalMs / float64(a.count),
		MinMs:      a.minMs,
		MaxMs:      a.maxMs,
		TableScans: a.tableScans,
	}
}

// PerformanceMonitor times durable-tier queries, classifies their execution
// plans, persists telemetry and keeps in-memory aggregates.
type PerformanceMonitor struct {
	db            *sql.DB
	logger        *slog.Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	byType  map[string]*aggregate
	byIndex map[string]*aggregate
}

func newPerformanceMonitor(db *sql.DB, logger *slog.Logger, slowThreshold time.Duration) *PerformanceMonitor {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	return &PerformanceMonitor{
		db:            db,
		logger:        logger,
		slowThreshold: slowThreshold,
		byType:        make(map[string]*aggregate),
		byIndex:       make(map[string]*aggregate),
	}
}

// explainPlan classifies a query by its execution plan. It returns the name
// of the index used (empty for a table scan) and the raw plan text.
func (pm *PerformanceMonitor) explainPlan(query string, args ...any) (indexUsed string, plan string) {
	rows, err := pm.db.Query("EXPLAIN QUERY PLAN "+query, args...)
	if err != nil {
		return "", ""
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var id, parent, notUsed int
		var detail string
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			continue
		}
		lines = append(lines, detail)

		if indexUsed == "" {
			if name, ok := indexFromPlanDetail(detail); ok {
				indexUsed = name
			}
		}
	}
	return indexUsed, strings.Join(lines, "; ")
}

// indexFromPlanDetail parses an index name out of one EXPLAIN QUERY PLAN
// detail line ("SEARCH photo_coordinates USING [COVERING] INDEX <name> ...").
func indexFromPlanDetail(detail string) (string, bool) {
	for _, marker := range []string{"USING COVERING INDEX ", "USING INDEX "} {
		if i := strings.Index(detail, marker); i >= 0 {
			rest := detail[i+len(marker):]
			if j := strings.IndexAny(rest, " ("); j >= 0 {
				rest = rest[:j]
			}
			return rest, true
		}
	}
	// PRIMARY KEY lookups on a WITHOUT ROWID / rowid table
	if strings.Contains(detail, "USING INTEGER PRIMARY KEY") || strings.Contains(detail, "USING PRIMARY KEY") {
		return "PRIMARY KEY", true
	}
	return "", false
}

// Observe records one executed query: plan classification, telemetry row,
// aggregate update and slow-query logging.
func (pm *PerformanceMonitor) Observe(queryType, query string, args []any, elapsed time.Duration, rowsReturned int64) {
	indexUsed, plan := pm.explainPlan(query, args...)
	ms := float64(elapsed.Microseconds()) / 1000

	rowsExamined := rowsReturned
	if indexUsed == "" {
		// A scan examines the whole table.
		if n := pm.tableRowCount(query); n > rowsExamined {
			rowsExamined = n
		}
	}

	stat := QueryStat{
		QueryType:       queryType,
		ExecutionTimeMs: ms,
		RowsExamined:    rowsExamined,
		RowsReturned:    rowsReturned,
		IndexUsed:       indexUsed,
		Timestamp:       time.Now().UTC(),
	}

	if _, err := pm.db.Exec(
		`INSERT INTO query_stats (query_type, execution_time_ms, rows_examined, rows_returned, index_used, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stat.QueryType, stat.ExecutionTimeMs, stat.RowsExamined, stat.RowsReturned,
		nullString(stat.IndexUsed), stat.Timestamp.UnixMilli(),
	); err != nil {
		pm.logger.Warn("failed to record query stat", "query_type", queryType, "error", err)
	}

	pm.mu.Lock()
	typeAgg, ok := pm.byType[queryType]
	if !ok {
		typeAgg = &aggregate{}
		pm.byType[queryType] = typeAgg
	}
	typeAgg.observe(ms, indexUsed == "")

	if indexUsed != "" {
		idxAgg, ok := pm.byIndex[indexUsed]
		if !ok {
			idxAgg = &aggregate{}
			pm.byIndex[indexUsed] = idxAgg
		}
		idxAgg.observe(ms, false)
	}
	pm.mu.Unlock()

	if elapsed >= pm.slowThreshold {
		pm.logger.Warn("slow query",
			"query_type", queryType,
			"elapsed_ms", ms,
			"rows_returned", rowsReturned,
			"plan", plan,
		)
	}
}

// ObserveWrite records one executed write statement. Writes are not plan
// classified and never count as table scans; rows examined equals the rows
// the statement affected.
func (pm *PerformanceMonitor) ObserveWrite(queryType string, elapsed time.Duration, rowsAffected int64) {
	ms := float64(elapsed.Microseconds()) / 1000

	if _, err := pm.db.Exec(
		`INSERT INTO query_stats (query_type, execution_time_ms, rows_examined, rows_returned, index_used, timestamp)
		 VALUES (?, ?, ?, ?, NULL, ?)`,
		queryType, ms, rowsAffected, rowsAffected, time.Now().UTC().UnixMilli(),
	); err != nil {
		pm.logger.Warn("failed to record query stat", "query_type", queryType, "error", err)
	}

	pm.mu.Lock()
	agg, ok := pm.byType[queryType]
	if !ok {
		agg = &aggregate{}
		pm.byType[queryType] = agg
	}
	agg.observe(ms, false)
	pm.mu.Unlock()

	if elapsed >= pm.slowThreshold {
		pm.logger.Warn("slow write",
			"query_type", queryType,
			"elapsed_ms", ms,
			"rows_affected", rowsAffected,
		)
	}
}

// tableRowCount returns the row count of the table a query reads, used to
// estimate rows examined by a full scan.
func (pm *PerformanceMonitor) tableRowCount(query string) int64 {
	table := "photo_coordinates"
	if strings.Contains(query, "query_stats") {
		table = "query_stats"
	}
	var n int64
	if err := pm.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		return 0
	}
	return n
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// QueryTypeStats returns aggregate statistics per query type.
func (pm *PerformanceMonitor) QueryTypeStats() map[string]QueryAggregate {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make(map[string]QueryAggregate, len(pm.byType))
	for name, agg := range pm.byType {
		out[name] = agg.snapshot()
	}
	return out
}

// IndexStats returns aggregate statistics per index.
func (pm *PerformanceMonitor) IndexStats() map[string]QueryAggregate {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make(map[string]QueryAggregate, len(pm.byIndex))
	for name, agg := range pm.byIndex {
		out[name] = agg.snapshot()
	}
	return out
}

// Recommendations flags query types that need attention: heavy table-scan
// volume or a slow average execution time.
func (pm *PerformanceMonitor) Recommendations() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	slowMs := float64(pm.slowThreshold.Microseconds()) / 1000
	var recs []string
	for name, agg := range pm.byType {
		if agg.count == 0 {
			continue
		}
		if agg.tableScans*2 >= agg.count {
			recs = append(recs, "query type "+name+" mostly runs as a table scan; consider an index matching its filter")
		}
		if agg.totalMs/float64(agg.count) >= slowMs {
			recs = append(recs, "query type "+name+" averages above the slow-query threshold")
		}
	}
	return recs
}

// Purge deletes telemetry older than the retention window and returns the
// number of rows removed.
func (pm *PerformanceMonitor) Purge(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultStatsRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()

	res, err := pm.db.Exec(`DELETE FROM query_stats WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentStats returns the most recent telemetry rows, newest first.
func (pm *PerformanceMonitor) RecentStats(limit int) ([]QueryStat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := pm.db.Query(
		`SELECT query_type, execution_time_ms, rows_examined, rows_returned, index_used, timestamp
		 FROM query_stats ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []QueryStat
	for rows.Next() {
		var s QueryStat
		var indexUsed sql.NullString
		var ts int64
		if err := rows.Scan(&s.QueryType, &s.ExecutionTimeMs, &s.RowsExamined, &s.RowsReturned, &indexUsed, &ts); err != nil {
			return nil, err
		}
		s.IndexUsed = indexUsed.String
		s.Timestamp = time.UnixMilli(ts).UTC()
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
