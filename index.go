package geotag

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// LocationRecord is a single known position at a point in time.
type LocationRecord struct {
	TimestampMs    int64    `json:"timestampMs"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	Source         string   `json:"source"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// Time returns the record's timestamp.
func (r LocationRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// NearestMatch is a successful nearest-point lookup.
type NearestMatch struct {
	Record          LocationRecord
	TimeDifference  time.Duration
	TimeDiffMinutes float64
}

// Bracket holds the nearest records strictly before and after a target time,
// used as spatial interpolation endpoints.
type Bracket struct {
	Before LocationRecord
	After  LocationRecord
}

// FallbackOptions controls NearestWithEscalation.
type FallbackOptions struct {
	MaxToleranceHours int
	ProgressiveSearch bool
}

// TimelineIndex is a timestamp-keyed, deduplicated, time-ordered set of known
// locations. It is built once at startup and read-mostly afterwards; the
// explicit mutation paths (AddPoint, AddImageDerivedPoint) are safe to call
// concurrently with queries.
type TimelineIndex struct {
	mu      sync.RWMutex
	byTime  map[int64]int // timestampMs -> position in records
	records []LocationRecord
	sorted  bool
	dropped int
}

// NewTimelineIndex creates an empty index.
func NewTimelineIndex() *TimelineIndex {
	return &TimelineIndex{
		byTime: make(map[int64]int),
	}
}

// AddPoint validates and inserts a record. On a collision at the same
// timestamp key the record with the better (lower) accuracy wins; unknown
// accuracy counts as worst.
func (idx *TimelineIndex) AddPoint(rec LocationRecord) error {
	if !ValidCoordinates(rec.Latitude, rec.Longitude) {
		idx.mu.Lock()
		idx.dropped++
		idx.mu.Unlock()
		return fmt.Errorf("point at %d: %w", rec.TimestampMs, ErrInvalidCoordinates)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, exists := idx.byTime[rec.TimestampMs]; exists {
		if betterAccuracy(rec.AccuracyMeters, idx.records[pos].AccuracyMeters) {
			idx.records[pos] = rec
		}
		return nil
	}

	idx.byTime[rec.TimestampMs] = len(idx.records)
	idx.records = append(idx.records, rec)
	idx.sorted = false
	return nil
}

// betterAccuracy reports whether a is strictly better (lower) than b.
// nil means unknown and never beats a known figure.
func betterAccuracy(a, b *float64) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a < *b
}

// AddImageDerivedPoint densifies the index from a photo that already carries
// GPS. Accuracy is fixed at 1m: coordinates embedded in an image are
// near-certain.
func (idx *TimelineIndex) AddImageDerivedPoint(fileID string, lat, lon float64, ts time.Time) error {
	acc := 1.0
	return idx.AddPoint(LocationRecord{
		TimestampMs:    ts.UnixMilli(),
		Latitude:       lat,
		Longitude:      lon,
		Source:         "image:" + fileID,
		AccuracyMeters: &acc,
	})
}

// Len returns the number of indexed points.
func (idx *TimelineIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// Dropped returns the count of records rejected during ingestion.
func (idx *TimelineIndex) Dropped() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dropped
}

// ensureSorted orders records by timestamp. Caller must hold the write lock.
func (idx *TimelineIndex) ensureSorted() {
	if idx.sorted {
		return
	}
	sort.Slice(idx.records, func(i, j int) bool {
		return idx.records[i].TimestampMs < idx.records[j].TimestampMs
	})
	for i, rec := range idx.records {
		idx.byTime[rec.TimestampMs] = i
	}
	idx.sorted = true
}

// Nearest returns the record with the smallest absolute time delta from
// target that is within toleranceMinutes, or nil if none qualifies.
func (idx *TimelineIndex) Nearest(target time.Time, toleranceMinutes float64) *NearestMatch {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureSorted()

	if len(idx.records) == 0 {
		return nil
	}

	targetMs := target.UnixMilli()
	tolMs := int64(toleranceMinutes * 60 * 1000)

	// Binary search for the insertion point, then compare neighbors.
	i := sort.Search(len(idx.records), func(i int) bool {
		return idx.records[i].TimestampMs >= targetMs
	})

	best := -1
	var bestDelta int64
	for _, cand := range []int{i - 1, i} {
		if cand < 0 || cand >= len(idx.records) {
			continue
		}
		delta := idx.records[cand].TimestampMs - targetMs
		if delta < 0 {
			delta = -delta
		}
		if delta > tolMs {
			continue
		}
		if best == -1 || delta < bestDelta {
			best = cand
			bestDelta = delta
		}
	}

	if best == -1 {
		return nil
	}

	d := time.Duration(bestDelta) * time.Millisecond
	return &NearestMatch{
		Record:          idx.records[best],
		TimeDifference:  d,
		TimeDiffMinutes: d.Minutes(),
	}
}

// NearestWithEscalation retries Nearest with progressively wider tolerance
// windows (60 min, 360 min, then the full window) and returns the first hit.
// With ProgressiveSearch disabled it performs a single full-window search.
func (idx *TimelineIndex) NearestWithEscalation(target time.Time, opts FallbackOptions) *NearestMatch {
	maxMinutes := float64(opts.MaxToleranceHours) * 60

	if !opts.ProgressiveSearch {
		return idx.Nearest(target, maxMinutes)
	}

	for _, tol := range []float64{60, 360, maxMinutes} {
		if tol > maxMinutes {
			tol = maxMinutes
		}
		if match := idx.Nearest(target, tol); match != nil {
			return match
		}
	}
	return nil
}

// BracketAround returns the nearest records strictly before and strictly
// after target, each within maxSpanMinutes, or nil if either side is missing.
func (idx *TimelineIndex) BracketAround(target time.Time, maxSpanMinutes float64) *Bracket {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensureSorted()

	targetMs := target.UnixMilli()
	spanMs := int64(maxSpanMinutes * 60 * 1000)

	i := sort.Search(len(idx.records), func(i int) bool {
		return idx.records[i].TimestampMs >= targetMs
	})

	// Strictly before.
	before := i - 1
	for before >= 0 && idx.records[before].TimestampMs >= targetMs {
		before--
	}
	if before < 0 || targetMs-idx.records[before].TimestampMs > spanMs {
		return nil
	}

	// Strictly after.
	after := i
	for after < len(idx.records) && idx.records[after].TimestampMs <= targetMs {
		after++
	}
	if after >= len(idx.records) || idx.records[after].TimestampMs-targetMs > spanMs {
		return nil
	}

	return &Bracket{Before: idx.records[before], After: idx.records[after]}
}

// Export returns the full point set sorted by timestamp.
func (idx *TimelineIndex) Export() []LocationRecord {
	idx.mu.Lock()
	idx.ensureSorted()
	out := make([]LocationRecord, len(idx.records))
	copy(out, idx.records)
	idx.mu.Unlock()
	return out
}
