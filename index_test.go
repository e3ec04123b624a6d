package geotag

import (
	"testing"
	"time"
)

func mustAdd(t *testing.T, idx *TimelineIndex, rec LocationRecord) {
	t.Helper()
	if err := idx.AddPoint(rec); err != nil {
		t.Fatalf("AddPoint: %v", err)
	}
}

func ptr(f float64) *float64 { return &f }

func TestAddPointAndNearestExact(t *testing.T) {
	idx := NewTimelineIndex()
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	mustAdd(t, idx, LocationRecord{
		TimestampMs: ts.UnixMilli(),
		Latitude:    40.7128,
		Longitude:   -74.0060,
		Source:      "timeline_position",
	})

	match := idx.Nearest(ts, 0)
	if match == nil {
		t.Fatal("Nearest with tolerance 0 at exact timestamp returned nothing")
	}
	if match.Record.Latitude != 40.7128 || match.Record.Longitude != -74.0060 {
		t.Errorf("got (%v, %v)", match.Record.Latitude, match.Record.Longitude)
	}
	if match.TimeDifference != 0 {
		t.Errorf("time difference = %v, want 0", match.TimeDifference)
	}
}

func TestAddPointRejectsInvalid(t *testing.T) {
	idx := NewTimelineIndex()

	for _, rec := range []LocationRecord{
		{TimestampMs: 1000, Latitude: 0, Longitude: 0},
		{TimestampMs: 2000, Latitude: 91, Longitude: 10},
		{TimestampMs: 3000, Latitude: 10, Longitude: -181},
	} {
		if err := idx.AddPoint(rec); err == nil {
			t.Errorf("AddPoint(%v, %v) accepted invalid coordinates", rec.Latitude, rec.Longitude)
		}
	}

	if idx.Len() != 0 {
		t.Errorf("index has %d points, want 0", idx.Len())
	}
	if idx.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", idx.Dropped())
	}
}

func TestCollisionBetterAccuracyWins(t *testing.T) {
	ts := int64(1700000000000)

	coarse := LocationRecord{TimestampMs: ts, Latitude: 40, Longitude: -74, AccuracyMeters: ptr(50)}
	fine := LocationRecord{TimestampMs: ts, Latitude: 41, Longitude: -73, AccuracyMeters: ptr(10)}

	for name, order := range map[string][]LocationRecord{
		"coarse first": {coarse, fine},
		"fine first":   {fine, coarse},
	} {
		idx := NewTimelineIndex()
		for _, rec := range order {
			mustAdd(t, idx, rec)
		}

		match := idx.Nearest(time.UnixMilli(ts), 0)
		if match == nil {
			t.Fatalf("%s: no match", name)
		}
		if *match.Record.AccuracyMeters != 10 {
			t.Errorf("%s: kept accuracy %v, want 10", name, *match.Record.AccuracyMeters)
		}
		if idx.Len() != 1 {
			t.Errorf("%s: index has %d points, want 1", name, idx.Len())
		}
	}
}

func TestNearestTolerance(t *testing.T) {
	idx := NewTimelineIndex()
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mustAdd(t, idx, LocationRecord{TimestampMs: noon.UnixMilli(), Latitude: 40, Longitude: -74})

	match := idx.Nearest(noon.Add(30*time.Minute), 60)
	if match == nil {
		t.Fatal("query 30min away within 60min tolerance returned nothing")
	}
	if match.TimeDiffMinutes != 30 {
		t.Errorf("time difference = %v min, want 30", match.TimeDiffMinutes)
	}

	if match := idx.Nearest(noon.Add(2*time.Hour), 60); match != nil {
		t.Errorf("query 120min away within 60min tolerance returned %+v", match)
	}
}

func TestNearestWithEscalation(t *testing.T) {
	idx := NewTimelineIndex()
	noon := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mustAdd(t, idx, LocationRecord{TimestampMs: noon.UnixMilli(), Latitude: 40, Longitude: -74})

	target := noon.Add(2 * time.Hour)

	match := idx.NearestWithEscalation(target, FallbackOptions{MaxToleranceHours: 24, ProgressiveSearch: true})
	if match == nil {
		t.Fatal("escalating search returned nothing")
	}
	if match.TimeDiffMinutes != 120 {
		t.Errorf("time difference = %v min, want 120", match.TimeDiffMinutes)
	}

	// Single-shot search at the full window finds it too
	match = idx.NearestWithEscalation(target, FallbackOptions{MaxToleranceHours: 24})
	if match == nil {
		t.Fatal("single full-window search returned nothing")
	}

	// But a 1-hour cap misses
	if match := idx.NearestWithEscalation(target.Add(30*time.Minute), FallbackOptions{MaxToleranceHours: 1, ProgressiveSearch: true}); match != nil {
		t.Errorf("search beyond max window returned %+v", match)
	}
}

func TestBracketAround(t *testing.T) {
	idx := NewTimelineIndex()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mustAdd(t, idx, LocationRecord{TimestampMs: start.UnixMilli(), Latitude: 40, Longitude: -74})
	mustAdd(t, idx, LocationRecord{TimestampMs: start.Add(2 * time.Hour).UnixMilli(), Latitude: 41, Longitude: -73})

	bracket := idx.BracketAround(start.Add(time.Hour), 120)
	if bracket == nil {
		t.Fatal("no bracket for a target between two points")
	}
	if bracket.Before.Latitude != 40 || bracket.After.Latitude != 41 {
		t.Errorf("bracket = %+v", bracket)
	}

	// Before the first point there is no "before" side
	if b := idx.BracketAround(start.Add(-time.Hour), 120); b != nil {
		t.Errorf("bracket outside the range = %+v", b)
	}

	// Narrow span excludes both sides
	if b := idx.BracketAround(start.Add(time.Hour), 30); b != nil {
		t.Errorf("bracket with 30min span = %+v", b)
	}
}

func TestAddImageDerivedPoint(t *testing.T) {
	idx := NewTimelineIndex()
	ts := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := idx.AddImageDerivedPoint("photos/IMG_0042.jpg", 51.5, -0.12, ts); err != nil {
		t.Fatalf("AddImageDerivedPoint: %v", err)
	}

	match := idx.Nearest(ts, 0)
	if match == nil {
		t.Fatal("image-derived point not found")
	}
	if match.Record.Source != "image:photos/IMG_0042.jpg" {
		t.Errorf("source = %q", match.Record.Source)
	}
	if match.Record.AccuracyMeters == nil || *match.Record.AccuracyMeters != 1 {
		t.Errorf("accuracy = %v, want 1", match.Record.AccuracyMeters)
	}
}

func TestExportSorted(t *testing.T) {
	idx := NewTimelineIndex()
	mustAdd(t, idx, LocationRecord{TimestampMs: 3000, Latitude: 3, Longitude: 3})
	mustAdd(t, idx, LocationRecord{TimestampMs: 1000, Latitude: 1, Longitude: 1})
	mustAdd(t, idx, LocationRecord{TimestampMs: 2000, Latitude: 2, Longitude: 2})

	records := idx.Export()
	if len(records) != 3 {
		t.Fatalf("exported %d records, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].TimestampMs >= records[i].TimestampMs {
			t.Errorf("export not sorted at %d: %d >= %d", i, records[i-1].TimestampMs, records[i].TimestampMs)
		}
	}
}
