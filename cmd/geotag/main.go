package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"geotag"
)

// photoManifest is the input listing: discovery and metadata extraction
// happen outside this tool, which only orchestrates inference.
type photoManifest []manifestEntry

type manifestEntry struct {
	File      string     `json:"file"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config)")
	timelinePath := flag.String("timeline", "", "timeline export to ingest (overrides config)")
	photosPath := flag.String("photos", "", "photo manifest JSON")
	exportPath := flag.String("export", "", "write store contents to this JSON file")
	timelineOut := flag.String("timeline-out", "", "persist the timeline index to this file")
	maintain := flag.Bool("maintain", false, "run durable-tier maintenance and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	cfg, err := geotag.LoadConfig(*configPath)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *timelinePath != "" {
		cfg.TimelinePath = *timelinePath
	}

	db, err := geotag.OpenDB(cfg.DatabasePath, logger,
		time.Duration(cfg.Store.SlowQueryThresholdMs)*time.Millisecond)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *maintain {
		if err := db.Maintain(cfg.Telemetry.RetentionDays); err != nil {
			logger.Error("maintenance failed", "error", err)
			os.Exit(1)
		}
		logger.Info("maintenance complete")
		return
	}

	index := geotag.NewTimelineIndex()
	if cfg.TimelinePath != "" {
		f, err := os.Open(cfg.TimelinePath)
		if err != nil {
			logger.Error("failed to open timeline", "error", err)
			os.Exit(1)
		}
		stats, err := index.IngestTimeline(f)
		f.Close()
		if err != nil {
			logger.Error("timeline ingestion failed", "error", err)
			os.Exit(1)
		}
		logger.Info("timeline ingested",
			"format", stats.Format,
			"inserted", stats.Inserted,
			"dropped", stats.Dropped,
		)
	}

	store := geotag.NewCoordinateStore(db, logger)
	nearby := geotag.NewNearbyImages()

	if *photosPath != "" {
		manifest, err := loadManifest(*photosPath)
		if err != nil {
			logger.Error("failed to load photo manifest", "error", err)
			os.Exit(1)
		}

		var pending []geotag.PhotoRef
		for _, entry := range manifest {
			if entry.Latitude != nil && entry.Longitude != nil && entry.Timestamp != nil {
				// Already geotagged: densify the index and the
				// cross-reference registry instead of inferring.
				nearby.Register(entry.File, *entry.Latitude, *entry.Longitude, *entry.Timestamp)
				if err := index.AddImageDerivedPoint(entry.File, *entry.Latitude, *entry.Longitude, *entry.Timestamp); err != nil {
					logger.Warn("skipping image-derived point", "file", entry.File, "error", err)
				}
				continue
			}
			pending = append(pending, geotag.PhotoRef{FileID: entry.File, Timestamp: entry.Timestamp})
		}

		engine := geotag.NewEngine(index, store, nearby, nil, cfg.EngineOptions(), logger)
		processor := geotag.NewBatchProcessor(engine, store, cfg.Batch.Size, logger)

		stats, err := processor.Run(context.Background(), pending, nil)
		if err != nil {
			logger.Error("batch interrupted", "error", err)
			os.Exit(1)
		}
		logger.Info("inference complete",
			"total", stats.Total,
			"inferred", stats.Inferred,
			"missing_timestamp", stats.MissingTimestamp,
			"no_result", stats.NoResult,
		)
	}

	if *exportPath != "" {
		if err := writeExport(*exportPath, store.ExportJSON); err != nil {
			logger.Error("store export failed", "error", err)
			os.Exit(1)
		}
	}
	if *timelineOut != "" {
		if err := writeExport(*timelineOut, index.ExportJSON); err != nil {
			logger.Error("timeline export failed", "error", err)
			os.Exit(1)
		}
	}
}

func loadManifest(path string) (photoManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest photoManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func writeExport(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
