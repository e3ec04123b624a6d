package geotag

import (
	"sync"
	"time"
)

// nearbyWindow is the widest time delta at which another photo's position is
// still considered evidence for this one.
const nearbyWindow = 6 * time.Hour

// NearbyImage is a recently seen geotagged photo usable as a cross-reference
// for photos taken around the same time.
type NearbyImage struct {
	FileID    string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// NearbyMatch is a successful cross-reference lookup.
type NearbyMatch struct {
	Image     NearbyImage
	TimeDelta time.Duration
}

// NearbyImages is a short-lived registry of geotagged photos seen during the
// current run. It is populated explicitly by the orchestrator during
// discovery and is kept separate from the timeline index's image-derived
// points, so registering here does not widen timeline search coverage.
type NearbyImages struct {
	mu     sync.RWMutex
	images []NearbyImage
}

// NewNearbyImages creates an empty registry.
func NewNearbyImages() *NearbyImages {
	return &NearbyImages{}
}

// Register records a geotagged photo. Invalid coordinates are ignored.
func (n *NearbyImages) Register(fileID string, lat, lon float64, ts time.Time) {
	if !ValidCoordinates(lat, lon) {
		return
	}
	n.mu.Lock()
	n.images = append(n.images, NearbyImage{
		FileID:    fileID,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts,
	})
	n.mu.Unlock()
}

// Len returns the number of registered images.
func (n *NearbyImages) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.images)
}

// Closest returns the registered image with the smallest time delta from
// target within the 6-hour window, excluding the photo itself.
func (n *NearbyImages) Closest(fileID string, target time.Time) *NearbyMatch {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var best *NearbyMatch
	for _, img := range n.images {
		if img.FileID == fileID {
			continue
		}
		delta := target.Sub(img.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > nearbyWindow {
			continue
		}
		if best == nil || delta < best.TimeDelta {
			best = &NearbyMatch{Image: img, TimeDelta: delta}
		}
	}
	return best
}
