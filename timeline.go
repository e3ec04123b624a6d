package geotag

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// TimelineFormat identifies which export schema a timeline document uses.
// The document is classified once and dispatched to the matching adapter.
type TimelineFormat int

const (
	FormatUnknown TimelineFormat = iota
	// FormatStandard is the "Semantic Location History" shape: top-level
	// timelineObjects with activity segments and place visits.
	FormatStandard
	// FormatEdits is the "Timeline Edits" shape: top-level timelineEdits
	// with place aggregates and raw position/activity/wifi signals.
	FormatEdits
	// FormatFlat is this library's own export: a plain JSON array of
	// location records.
	FormatFlat
)

func (f TimelineFormat) String() string {
	switch f {
	case FormatStandard:
		return "standard"
	case FormatEdits:
		return "edits"
	case FormatFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// TimelineImportStats tracks ingestion progress. Malformed or out-of-range
// points are dropped and counted here, never raised.
type TimelineImportStats struct {
	Format   string `json:"format"`
	Total    int    `json:"total"`
	Parsed   int    `json:"parsed"`
	Inserted int    `json:"inserted"`
	Dropped  int    `json:"dropped"`
}

// timelinePoint is a coordinate in any of the forms timeline exports use:
// E7 fixed-point integers, plain decimals, or a "37.422°, -122.084°" string.
type timelinePoint struct {
	LatitudeE7  *int64   `json:"latitudeE7,omitempty"`
	LongitudeE7 *int64   `json:"longitudeE7,omitempty"`
	LatE7       *int64   `json:"latE7,omitempty"`
	LngE7       *int64   `json:"lngE7,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	LatLng      string   `json:"latLng,omitempty"`
}

// Decimal normalizes the point to decimal degrees.
func (p *timelinePoint) Decimal() (lat, lon float64, ok bool) {
	switch {
	case p == nil:
		return 0, 0, false
	case p.LatitudeE7 != nil && p.LongitudeE7 != nil:
		return FromE7(*p.LatitudeE7), FromE7(*p.LongitudeE7), true
	case p.LatE7 != nil && p.LngE7 != nil:
		return FromE7(*p.LatE7), FromE7(*p.LngE7), true
	case p.Latitude != nil && p.Longitude != nil:
		return *p.Latitude, *p.Longitude, true
	case p.LatLng != "":
		lat, lon, err := ParseLatLng(p.LatLng)
		if err != nil {
			return 0, 0, false
		}
		return lat, lon, true
	default:
		return 0, 0, false
	}
}

// ParseLatLng extracts latitude and longitude from a string like
// "37.422°, -122.084°".
func ParseLatLng(s string) (lat, lon float64, err error) {
	s = strings.ReplaceAll(s, "°", "")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid LatLng format: %s", s)
	}

	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude: %w", err)
	}

	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude: %w", err)
	}

	return lat, lon, nil
}

// Standard schema ("Semantic Location History").

type standardExport struct {
	TimelineObjects []timelineObject `json:"timelineObjects"`
}

type timelineObject struct {
	ActivitySegment *activitySegment `json:"activitySegment,omitempty"`
	PlaceVisit      *placeVisit      `json:"placeVisit,omitempty"`
}

type activitySegment struct {
	StartLocation *timelinePoint    `json:"startLocation,omitempty"`
	EndLocation   *timelinePoint    `json:"endLocation,omitempty"`
	Duration      *timelineDuration `json:"duration,omitempty"`
}

type placeVisit struct {
	Location *visitLocation    `json:"location,omitempty"`
	Duration *timelineDuration `json:"duration,omitempty"`
}

type visitLocation struct {
	timelinePoint
	AccuracyMeters *float64 `json:"accuracyMetres,omitempty"`
}

type timelineDuration struct {
	StartTimestamp   string `json:"startTimestamp,omitempty"`
	EndTimestamp     string `json:"endTimestamp,omitempty"`
	StartTimestampMs string `json:"startTimestampMs,omitempty"`
	EndTimestampMs   string `json:"endTimestampMs,omitempty"`
}

// Start returns the duration's start instant.
func (d *timelineDuration) Start() (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	if d.StartTimestamp != "" {
		return parseTimelineTime(d.StartTimestamp)
	}
	if d.StartTimestampMs != "" {
		ms, err := strconv.ParseInt(d.StartTimestampMs, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// End returns the duration's end instant.
func (d *timelineDuration) End() (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	if d.EndTimestamp != "" {
		return parseTimelineTime(d.EndTimestamp)
	}
	if d.EndTimestampMs != "" {
		ms, err := strconv.ParseInt(d.EndTimestampMs, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// Edits schema ("Timeline Edits").

type editsExport struct {
	TimelineEdits []timelineEdit `json:"timelineEdits"`
}

type timelineEdit struct {
	PlaceAggregates *placeAggregates `json:"placeAggregates,omitempty"`
	RawSignal       *rawSignal       `json:"rawSignal,omitempty"`
}

type placeAggregates struct {
	PlaceAggregateInfo []placeAggregate  `json:"placeAggregateInfo"`
	ProcessWindow      *timelineDuration `json:"processWindow,omitempty"`
}

type placeAggregate struct {
	Score      float64        `json:"score"`
	Point      *timelinePoint `json:"point,omitempty"`
	PlacePoint *timelinePoint `json:"placePoint,omitempty"`
}

type rawSignal struct {
	Signal *signalRecord `json:"signal,omitempty"`
}

type signalRecord struct {
	Position       *positionSignal `json:"position,omitempty"`
	ActivityRecord json.RawMessage `json:"activityRecord,omitempty"`
	WifiScan       json.RawMessage `json:"wifiScan,omitempty"`
}

type positionSignal struct {
	Point          *timelinePoint `json:"point,omitempty"`
	AccuracyMm     *int64         `json:"accuracyMm,omitempty"`
	AccuracyMeters *float64       `json:"accuracyMeters,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// parseTimelineTime parses the timestamp formats timeline exports use.
func parseTimelineTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	// Alternate format seen in older exports
	if t, err := time.Parse("2006-01-02T15:04:05.000-07:00", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// accuracyFromScore estimates an accuracy figure for place aggregates that
// lack one, from their confidence score.
func accuracyFromScore(score float64) float64 {
	switch {
	case score >= 100:
		return 50
	case score >= 50:
		return 100
	case score >= 10:
		return 500
	default:
		return 1000
	}
}

// DetectTimelineFormat classifies a timeline document without fully
// decoding it.
func DetectTimelineFormat(data []byte) TimelineFormat {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		return FormatFlat
	}

	var probe struct {
		TimelineObjects json.RawMessage `json:"timelineObjects"`
		TimelineEdits   json.RawMessage `json:"timelineEdits"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return FormatUnknown
	}
	switch {
	case probe.TimelineObjects != nil:
		return FormatStandard
	case probe.TimelineEdits != nil:
		return FormatEdits
	default:
		return FormatUnknown
	}
}

// IngestTimeline reads a timeline export and inserts every recognizable
// point into the index. Individual malformed records are dropped and
// counted; only an unreadable document is an error.
func (idx *TimelineIndex) IngestTimeline(r io.Reader) (*TimelineImportStats, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}

	format := DetectTimelineFormat(data)
	stats := &TimelineImportStats{Format: format.String()}

	switch format {
	case FormatStandard:
		var export standardExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, fmt.Errorf("failed to parse timeline JSON: %w", err)
		}
		idx.ingestStandard(&export, stats)
	case FormatEdits:
		var export editsExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, fmt.Errorf("failed to parse timeline JSON: %w", err)
		}
		idx.ingestEdits(&export, stats)
	case FormatFlat:
		var records []LocationRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse timeline JSON: %w", err)
		}
		for _, rec := range records {
			stats.Total++
			stats.Parsed++
			idx.insertCounted(rec, stats)
		}
	default:
		return nil, fmt.Errorf("unrecognized timeline format")
	}

	return stats, nil
}

// insertCounted feeds a record into the index, tracking the outcome.
func (idx *TimelineIndex) insertCounted(rec LocationRecord, stats *TimelineImportStats) {
	if err := idx.AddPoint(rec); err != nil {
		stats.Dropped++
		return
	}
	stats.Inserted++
}

func (idx *TimelineIndex) ingestStandard(export *standardExport, stats *TimelineImportStats) {
	add := func(p *timelinePoint, acc *float64, ts time.Time, ok bool, source string) {
		stats.Total++
		lat, lon, haveCoords := p.Decimal()
		if !haveCoords || !ok {
			stats.Dropped++
			return
		}
		stats.Parsed++
		idx.insertCounted(LocationRecord{
			TimestampMs:    ts.UnixMilli(),
			Latitude:       lat,
			Longitude:      lon,
			Source:         source,
			AccuracyMeters: acc,
		}, stats)
	}

	for _, obj := range export.TimelineObjects {
		if seg := obj.ActivitySegment; seg != nil {
			start, okStart := seg.Duration.Start()
			end, okEnd := seg.Duration.End()
			if seg.StartLocation != nil {
				add(seg.StartLocation, nil, start, okStart, "timeline_activity")
			}
			if seg.EndLocation != nil {
				add(seg.EndLocation, nil, end, okEnd, "timeline_activity")
			}
		}
		if visit := obj.PlaceVisit; visit != nil && visit.Location != nil {
			start, ok := visit.Duration.Start()
			add(&visit.Location.timelinePoint, visit.Location.AccuracyMeters, start, ok, "timeline_visit")
		}
	}
}

func (idx *TimelineIndex) ingestEdits(export *editsExport, stats *TimelineImportStats) {
	for _, edit := range export.TimelineEdits {
		if agg := edit.PlaceAggregates; agg != nil {
			// Aggregates carry no per-point timestamp; anchor them to the
			// midpoint of the process window they were computed over.
			start, okStart := agg.ProcessWindow.Start()
			end, okEnd := agg.ProcessWindow.End()
			ts := start
			if okStart && okEnd {
				ts = start.Add(end.Sub(start) / 2)
			}

			for _, info := range agg.PlaceAggregateInfo {
				stats.Total++
				point := info.Point
				if point == nil {
					point = info.PlacePoint
				}
				lat, lon, ok := point.Decimal()
				if !ok || !okStart {
					stats.Dropped++
					continue
				}
				stats.Parsed++
				acc := accuracyFromScore(info.Score)
				idx.insertCounted(LocationRecord{
					TimestampMs:    ts.UnixMilli(),
					Latitude:       lat,
					Longitude:      lon,
					Source:         "timeline_place_aggregate",
					AccuracyMeters: &acc,
				}, stats)
			}
		}

		if sig := edit.RawSignal; sig != nil && sig.Signal != nil {
			pos := sig.Signal.Position
			if pos == nil {
				// Activity and wifi signals carry no coordinates
				continue
			}
			stats.Total++
			lat, lon, ok := pos.Point.Decimal()
			ts, okTime := parseTimelineTime(pos.Timestamp)
			if !ok || !okTime {
				stats.Dropped++
				continue
			}
			stats.Parsed++
			var acc *float64
			switch {
			case pos.AccuracyMeters != nil:
				acc = pos.AccuracyMeters
			case pos.AccuracyMm != nil:
				m := float64(*pos.AccuracyMm) / 1000
				acc = &m
			}
			idx.insertCounted(LocationRecord{
				TimestampMs:    ts.UnixMilli(),
				Latitude:       lat,
				Longitude:      lon,
				Source:         "timeline_position",
				AccuracyMeters: acc,
			}, stats)
		}
	}
}

// ExportJSON writes the index's full point set as a flat, time-sorted JSON
// array. IngestTimeline recognizes the output, so an index round-trips.
func (idx *TimelineIndex) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx.Export()); err != nil {
		return fmt.Errorf("failed to export timeline: %w", err)
	}
	return nil
}
