package geotag

import (
	"context"
	"strings"
	"time"
)

// PhotoMetadata is the record an external metadata codec produces for a
// photo. Latitude/Longitude are meaningful only when HasGPS is true.
type PhotoMetadata struct {
	HasGPS    bool
	Latitude  float64
	Longitude float64
	Timestamp *time.Time
	Camera    CameraInfo
	Format    string
}

// CameraInfo identifies the device that captured a photo.
type CameraInfo struct {
	Make  string
	Model string
	Lens  string
}

// MetadataReader extracts metadata from a photo file. The concrete codec
// (exiftool, a RAW parser, ...) lives outside this library and is injected
// into the engine at construction time.
type MetadataReader interface {
	ReadMetadata(ctx context.Context, fileID string) (*PhotoMetadata, error)
}

// exif-style source labels that get rewritten to a camera attribution.
var exifSources = map[string]bool{
	"exif_metadata": true,
	"image_exif":    true,
	"piexif":        true,
	"exiftool":      true,
	"sharp":         true,
}

// defaultCameraLabel is used when a photo carries GPS but no camera fields.
const defaultCameraLabel = "Camera"

// AttributeSource rewrites exif-derived source labels to a human-readable
// camera string ("<Make> <Model>", optionally " with <Lens>"). Timeline and
// interpolation sources pass through unchanged.
func AttributeSource(source string, camera CameraInfo) string {
	if !exifSources[source] {
		return source
	}

	make := strings.TrimSpace(camera.Make)
	model := strings.TrimSpace(camera.Model)

	var label string
	switch {
	case make != "" && model != "":
		label = make + " " + model
	case model != "":
		label = model
	case make != "":
		label = make
	default:
		label = defaultCameraLabel
	}

	if lens := strings.TrimSpace(camera.Lens); lens != "" {
		label += " with " + lens
	}
	return label
}
