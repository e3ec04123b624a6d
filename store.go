package geotag

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// SourcePriority is the fixed trust ranking of coordinate origins. A write
// wins only when its source ranks strictly higher than the stored one, so
// embedded EXIF coordinates are never clobbered by guesses.
var SourcePriority = map[string]int{
	"image_exif":             100,
	"database_cached":        90,
	"timeline_exact":         80,
	"timeline_interpolation": 70,
	"nearby_images":          60,
	"enhanced_fallback":      50,
	"spatial_interpolation":  40,
}

func sourcePriority(source string) int {
	if p, ok := SourcePriority[source]; ok {
		return p
	}
	return 0
}

// Coordinates is a position with optional quality figures.
type Coordinates struct {
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	Confidence *float64
}

// CoordinateStore maps photo identifiers to their best-known coordinate.
// It is two-tiered: an in-memory map in front of the durable SQLite tier.
// The check-then-act priority comparison is serialized per file identifier,
// so concurrent writers for the same photo cannot both observe a stale entry
// and both commit.
type CoordinateStore struct {
	db     *DB
	logger *slog.Logger

	mu     sync.RWMutex
	memory map[string]CacheEntry

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

// NewCoordinateStore creates a store over an opened durable tier.
func NewCoordinateStore(db *DB, logger *slog.Logger) *CoordinateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoordinateStore{
		db:     db,
		logger: logger,
		memory: make(map[string]CacheEntry),
		keys:   make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing writes for one file identifier.
func (s *CoordinateStore) keyLock(fileID string) *sync.Mutex {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	m, ok := s.keys[fileID]
	if !ok {
		m = &sync.Mutex{}
		s.keys[fileID] = m
	}
	return m
}

// StoreCoordinates writes a coordinate for a photo if its source outranks
// the existing entry. It returns ErrInvalidCoordinates for out-of-range or
// null-island input and ErrLowerPriority when the write loses arbitration;
// in both cases nothing is mutated. originalTimestamp is the photo's capture
// time and is preserved as the entry's timestamp; when nil, wall-clock time
// substitutes as a degraded fallback.
func (s *CoordinateStore) StoreCoordinates(fileID string, coords Coordinates, source string, originalTimestamp *time.Time) error {
	if !ValidCoordinates(coords.Latitude, coords.Longitude) {
		return fmt.Errorf("store %s: %w", fileID, ErrInvalidCoordinates)
	}

	lock := s.keyLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	existing := s.lookup(fileID)
	if existing != nil {
		// An existing entry with an unrecognized source ranks below even
		// an unknown incoming one, so it can always be replaced.
		existingPriority := -1
		if p, ok := SourcePriority[existing.Source]; ok {
			existingPriority = p
		}
		if existingPriority >= sourcePriority(source) {
			return fmt.Errorf("store %s (%s vs %s): %w", fileID, source, existing.Source, ErrLowerPriority)
		}
	}

	ts := time.Now().UTC()
	if originalTimestamp != nil {
		ts = originalTimestamp.UTC()
	}

	entry := CacheEntry{
		FilePath:   fileID,
		Latitude:   coords.Latitude,
		Longitude:  coords.Longitude,
		Source:     source,
		Accuracy:   coords.Accuracy,
		Confidence: coords.Confidence,
		Timestamp:  ts,
	}

	s.mu.Lock()
	s.memory[fileID] = entry
	s.mu.Unlock()

	if err := s.db.UpsertEntry(entry); err != nil {
		// Memory tier stays authoritative for this run.
		s.logger.Error("durable write failed, continuing in-memory", "file", fileID, "error", err)
	}
	return nil
}

// lookup reads the current entry from the memory tier, falling back to the
// durable tier. Caller must hold the key lock.
func (s *CoordinateStore) lookup(fileID string) *CacheEntry {
	s.mu.RLock()
	entry, ok := s.memory[fileID]
	s.mu.RUnlock()
	if ok {
		return &entry
	}

	dbEntry, err := s.db.GetEntry(fileID)
	if err != nil {
		s.logger.Error("durable read failed, degrading to memory tier", "file", fileID, "error", err)
		return nil
	}
	return dbEntry
}

// GetCoordinates returns the best-known entry for a photo, or nil. The
// memory tier is consulted first; a durable hit populates it.
func (s *CoordinateStore) GetCoordinates(fileID string) *CacheEntry {
	s.mu.RLock()
	entry, ok := s.memory[fileID]
	s.mu.RUnlock()
	if ok {
		return &entry
	}

	// The miss-then-populate sequence holds the key lock so a stale
	// durable row cannot repopulate the memory tier over an entry a
	// concurrent writer just committed for the same photo.
	lock := s.keyLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	entry, ok = s.memory[fileID]
	s.mu.RUnlock()
	if ok {
		return &entry
	}

	dbEntry, err := s.db.GetEntry(fileID)
	if err != nil {
		s.logger.Error("durable read failed, degrading to memory tier", "file", fileID, "error", err)
		return nil
	}
	if dbEntry == nil {
		return nil
	}

	s.mu.Lock()
	s.memory[fileID] = *dbEntry
	s.mu.Unlock()
	return dbEntry
}

// FindByTimeRange returns stored entries within toleranceMinutes of target,
// nearest in time first, capped at 10.
func (s *CoordinateStore) FindByTimeRange(target time.Time, toleranceMinutes float64) []CacheEntry {
	entries, err := s.db.QueryByTimeRange(target, toleranceMinutes, 10)
	if err != nil {
		s.logger.Error("time-range query failed", "error", err)
		return nil
	}
	return entries
}

// FindByProximity returns stored entries within radiusKm of a point,
// nearest first, capped at 20.
func (s *CoordinateStore) FindByProximity(lat, lon, radiusKm float64) []ProximityEntry {
	entries, err := s.db.QueryByProximity(lat, lon, radiusKm, 20)
	if err != nil {
		s.logger.Error("proximity query failed", "error", err)
		return nil
	}
	return entries
}

// Len returns the memory-tier entry count.
func (s *CoordinateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memory)
}

// ExportJSON writes every stored entry as a flat JSON array with ISO-8601
// timestamps, for consumption by external tooling.
func (s *CoordinateStore) ExportJSON(w io.Writer) error {
	entries, err := s.db.AllEntries()
	if err != nil {
		s.logger.Error("durable export failed, exporting memory tier", "error", err)
		s.mu.RLock()
		entries = make([]CacheEntry, 0, len(s.memory))
		for _, e := range s.memory {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to export store: %w", err)
	}
	return nil
}
