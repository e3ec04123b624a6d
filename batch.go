package geotag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PhotoRef identifies one photo to infer coordinates for.
type PhotoRef struct {
	FileID    string
	Timestamp *time.Time
}

// BatchStats tallies a batch run. Failure categories are distinct: a photo
// without a timestamp is counted separately from one where every strategy
// missed, and from one whose result lost priority arbitration in the store.
type BatchStats struct {
	Total            int `json:"total"`
	Processed        int `json:"processed"`
	Inferred         int `json:"inferred"`
	Cached           int `json:"cached"`
	MissingTimestamp int `json:"missingTimestamp"`
	NoResult         int `json:"noResult"`
	StoreRejected    int `json:"storeRejected"`
}

// BatchProgress is delivered to the progress callback as the run advances.
type BatchProgress struct {
	JobID    string     `json:"job_id"`
	Stats    BatchStats `json:"stats"`
	Complete bool       `json:"complete"`
}

// ProgressCallback receives progress updates during a batch run.
type ProgressCallback func(progress BatchProgress)

// BatchProcessor runs inference over a photo set with bounded concurrency.
// Items are independent: one photo's failure never aborts the batch.
type BatchProcessor struct {
	engine    *Engine
	store     *CoordinateStore
	batchSize int
	logger    *slog.Logger
}

// NewBatchProcessor creates a processor issuing at most batchSize concurrent
// inferences against the shared engine and store.
func NewBatchProcessor(engine *Engine, store *CoordinateStore, batchSize int, logger *slog.Logger) *BatchProcessor {
	if batchSize <= 0 {
		batchSize = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{
		engine:    engine,
		store:     store,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run infers and stores coordinates for every photo, reporting progress to
// callback (which may be nil). It returns the final stats; the only error is
// context cancellation.
func (bp *BatchProcessor) Run(ctx context.Context, photos []PhotoRef, callback ProgressCallback) (BatchStats, error) {
	jobID := uuid.New().String()

	var mu sync.Mutex
	stats := BatchStats{Total: len(photos)}

	update := func(apply func(*BatchStats)) {
		mu.Lock()
		apply(&stats)
		stats.Processed++
		snapshot := stats
		mu.Unlock()
		if callback != nil {
			callback(BatchProgress{JobID: jobID, Stats: snapshot})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.batchSize)

	for _, photo := range photos {
		photo := photo
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			bp.processOne(ctx, photo, update)
			return nil
		})
	}

	err := g.Wait()
	if cErr := ctx.Err(); cErr != nil {
		err = cErr
	}

	mu.Lock()
	final := stats
	mu.Unlock()
	if callback != nil {
		callback(BatchProgress{JobID: jobID, Stats: final, Complete: true})
	}

	bp.logger.Info("batch complete",
		"job_id", jobID,
		"total", final.Total,
		"inferred", final.Inferred,
		"missing_timestamp", final.MissingTimestamp,
		"no_result", final.NoResult,
		"store_rejected", final.StoreRejected,
	)
	return final, err
}

// processOne infers and stores one photo. Failures are tallied, never
// propagated.
func (bp *BatchProcessor) processOne(ctx context.Context, photo PhotoRef, update func(func(*BatchStats))) {
	result, err := bp.engine.InterpolateCoordinates(ctx, photo.FileID, photo.Timestamp)
	if err != nil {
		bp.logger.Warn("inference failed", "file", photo.FileID, "error", err)
		update(func(s *BatchStats) { s.MissingTimestamp++ })
		return
	}
	if result == nil {
		update(func(s *BatchStats) { s.NoResult++ })
		return
	}
	if result.Method == "store_cache" {
		// Already resolved on a previous run; nothing to write back.
		update(func(s *BatchStats) { s.Cached++ })
		return
	}

	coords := Coordinates{
		Latitude:   result.Latitude,
		Longitude:  result.Longitude,
		Accuracy:   result.Accuracy,
		Confidence: &result.Confidence,
	}
	if err := bp.store.StoreCoordinates(photo.FileID, coords, result.Source, photo.Timestamp); err != nil {
		bp.logger.Debug("store rejected result", "file", photo.FileID, "error", err)
		update(func(s *BatchStats) { s.StoreRejected++ })
		return
	}

	update(func(s *BatchStats) { s.Inferred++ })
}
