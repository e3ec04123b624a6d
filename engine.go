package geotag

import (
	"context"
	"log/slog"
	"time"
)

// EngineOptions tunes the fallback chain.
type EngineOptions struct {
	// TimelineToleranceMinutes is the window for the direct timeline match.
	TimelineToleranceMinutes float64
	// MaxToleranceHours caps the progressive fallback search.
	MaxToleranceHours int
	// ProgressiveSearch enables the escalating tolerance ladder.
	ProgressiveSearch bool
	// SpatialMaxSpanMinutes caps each side of the interpolation bracket.
	SpatialMaxSpanMinutes float64
}

// DefaultEngineOptions returns the standard tuning.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		TimelineToleranceMinutes: 60,
		MaxToleranceHours:        24,
		ProgressiveSearch:        true,
		SpatialMaxSpanMinutes:    120,
	}
}

// InterpolationResult is a successfully inferred coordinate.
type InterpolationResult struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Source is the canonical origin identifier used for priority
	// arbitration in the store.
	Source string `json:"source"`
	// Attribution is the human-readable origin: a camera string for
	// exif-derived results, otherwise the same as Source.
	Attribution string   `json:"attribution"`
	Confidence  float64  `json:"confidence"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	// Method names the strategy that produced the result.
	Method string `json:"method"`
}

// Engine infers coordinates for photos lacking GPS by walking a fallback
// chain over the timeline index, the store, recently seen geotagged images
// and an injected metadata reader. It borrows read access to its
// collaborators; all store mutation stays with the caller.
type Engine struct {
	index    *TimelineIndex
	store    *CoordinateStore
	nearby   *NearbyImages
	metadata MetadataReader
	opts     EngineOptions
	logger   *slog.Logger
}

// NewEngine constructs an engine. metadata may be nil when no external codec
// is available; the direct-metadata strategy is then skipped.
func NewEngine(index *TimelineIndex, store *CoordinateStore, nearby *NearbyImages, metadata MetadataReader, opts EngineOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimelineToleranceMinutes <= 0 {
		opts.TimelineToleranceMinutes = 60
	}
	if opts.MaxToleranceHours <= 0 {
		opts.MaxToleranceHours = 24
	}
	if opts.SpatialMaxSpanMinutes <= 0 {
		opts.SpatialMaxSpanMinutes = 120
	}
	return &Engine{
		index:    index,
		store:    store,
		nearby:   nearby,
		metadata: metadata,
		opts:     opts,
		logger:   logger,
	}
}

// InterpolateCoordinates produces the best available coordinate for a photo,
// trying successive strategies until one succeeds. A nil timestamp fails
// immediately with ErrMissingTimestamp before any index or store access:
// every strategy is timestamp-keyed. When every strategy misses, the result
// is (nil, nil) — no coordinate found is not an error.
func (e *Engine) InterpolateCoordinates(ctx context.Context, fileID string, timestamp *time.Time) (*InterpolationResult, error) {
	if timestamp == nil {
		return nil, ErrMissingTimestamp
	}
	ts := *timestamp

	var attempted []string

	// 1. Store lookup: an existing entry is authoritative.
	attempted = append(attempted, "store_cache")
	if entry := e.store.GetCoordinates(fileID); entry != nil {
		if ValidCoordinates(entry.Latitude, entry.Longitude) {
			conf := 1.0
			if entry.Confidence != nil {
				conf = *entry.Confidence
			}
			return &InterpolationResult{
				Latitude:    entry.Latitude,
				Longitude:   entry.Longitude,
				Source:      entry.Source,
				Attribution: entry.Source,
				Confidence:  conf,
				Accuracy:    entry.Accuracy,
				Method:      "store_cache",
			}, nil
		}
	}

	// 2. Direct metadata: GPS already embedded in the photo.
	if e.metadata != nil {
		attempted = append(attempted, "direct_metadata")
		meta, err := e.metadata.ReadMetadata(ctx, fileID)
		if err != nil {
			e.logger.Debug("metadata read failed", "file", fileID, "error", err)
		} else if meta != nil && meta.HasGPS && ValidCoordinates(meta.Latitude, meta.Longitude) {
			return &InterpolationResult{
				Latitude:    meta.Latitude,
				Longitude:   meta.Longitude,
				Source:      "image_exif",
				Attribution: AttributeSource("image_exif", meta.Camera),
				Confidence:  1.0,
				Method:      "direct_metadata",
			}, nil
		}
	}

	// 3. Timeline match within the standard tolerance.
	attempted = append(attempted, "timeline_match")
	if match := e.index.Nearest(ts, e.opts.TimelineToleranceMinutes); match != nil {
		if ValidCoordinates(match.Record.Latitude, match.Record.Longitude) {
			return e.timelineResult(match, "timeline_exact", "timeline_match", 1.0), nil
		}
	}

	// 4. Nearby-image cross-reference.
	attempted = append(attempted, "nearby_images")
	if e.nearby != nil {
		if match := e.nearby.Closest(fileID, ts); match != nil {
			if ValidCoordinates(match.Image.Latitude, match.Image.Longitude) {
				conf := 1 - float64(match.TimeDelta)/float64(nearbyWindow)
				return &InterpolationResult{
					Latitude:    match.Image.Latitude,
					Longitude:   match.Image.Longitude,
					Source:      "nearby_images",
					Attribution: "nearby_images",
					Confidence:  conf,
					Method:      "nearby_images",
				}, nil
			}
		}
	}

	// 5. Enhanced progressive fallback over wider windows.
	attempted = append(attempted, "enhanced_fallback")
	if match := e.index.NearestWithEscalation(ts, FallbackOptions{
		MaxToleranceHours: e.opts.MaxToleranceHours,
		ProgressiveSearch: e.opts.ProgressiveSearch,
	}); match != nil {
		if ValidCoordinates(match.Record.Latitude, match.Record.Longitude) {
			res := e.timelineResult(match, "enhanced_fallback", "enhanced_fallback", 0.7)
			if res.Confidence < 0.1 {
				res.Confidence = 0.1
			}
			return res, nil
		}
	}

	// 6. Spatial interpolation between bracketing points.
	attempted = append(attempted, "spatial_interpolation")
	if res := e.spatialInterpolation(ts); res != nil {
		return res, nil
	}

	e.logger.Debug("no coordinate found",
		"file", fileID,
		"attempted", attempted,
		"index_points", e.index.Len(),
		"nearby_images", e.nearbyCount(),
	)
	return nil, nil
}

func (e *Engine) nearbyCount() int {
	if e.nearby == nil {
		return 0
	}
	return e.nearby.Len()
}

// timelineResult builds a result from a timeline match. Confidence is the
// mean of time and accuracy confidence, scaled by factor.
func (e *Engine) timelineResult(match *NearestMatch, source, method string, factor float64) *InterpolationResult {
	timeConf := 1 - match.TimeDiffMinutes/60
	if timeConf < 0 {
		timeConf = 0
	}

	accConf := 1.0
	if match.Record.AccuracyMeters != nil {
		accConf = 1 - *match.Record.AccuracyMeters/100
		if accConf < 0 {
			accConf = 0
		}
	}

	return &InterpolationResult{
		Latitude:    match.Record.Latitude,
		Longitude:   match.Record.Longitude,
		Source:      source,
		Attribution: source,
		Confidence:  (timeConf + accConf) / 2 * factor,
		Accuracy:    match.Record.AccuracyMeters,
		Method:      method,
	}
}

// spatialInterpolation linearly interpolates between the nearest points
// before and after the target by elapsed-time ratio.
func (e *Engine) spatialInterpolation(ts time.Time) *InterpolationResult {
	bracket := e.index.BracketAround(ts, e.opts.SpatialMaxSpanMinutes)
	if bracket == nil {
		return nil
	}

	before, after := bracket.Before, bracket.After
	span := after.TimestampMs - before.TimestampMs
	if span <= 0 {
		return nil
	}
	ratio := float64(ts.UnixMilli()-before.TimestampMs) / float64(span)

	lat := before.Latitude + (after.Latitude-before.Latitude)*ratio
	lon := before.Longitude + (after.Longitude-before.Longitude)*ratio
	if !ValidCoordinates(lat, lon) {
		return nil
	}

	distMeters := HaversineMeters(before.Latitude, before.Longitude, after.Latitude, after.Longitude)
	distConf := 1 - distMeters/10000
	if distConf < 0 {
		distConf = 0
	}

	spanMinutes := float64(span) / 60000
	timeConf := 1 - spanMinutes/120
	if timeConf < 0 {
		timeConf = 0
	}

	return &InterpolationResult{
		Latitude:    lat,
		Longitude:   lon,
		Source:      "spatial_interpolation",
		Attribution: "spatial_interpolation",
		Confidence:  (distConf + timeConf) / 2,
		Method:      "spatial_interpolation",
	}
}
