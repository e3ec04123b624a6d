package geotag

// geotagError is a sentinel error string.
type geotagError string

func (e geotagError) Error() string { return string(e) }

const (
	// ErrMissingTimestamp is returned when a photo has no capture timestamp.
	// Every inference strategy is timestamp-keyed, so this is fatal for the
	// photo rather than a weak signal.
	ErrMissingTimestamp = geotagError("photo has no capture timestamp")

	// ErrInvalidCoordinates is returned when coordinates are out of range or
	// the null-island placeholder.
	ErrInvalidCoordinates = geotagError("invalid coordinates")

	// ErrLowerPriority is returned when a write loses the source-priority
	// comparison against the existing entry. The store is left unchanged.
	ErrLowerPriority = geotagError("existing entry has equal or higher priority")

	// ErrMigrationFailed is returned when a schema migration cannot be
	// applied. Startup must abort.
	ErrMigrationFailed = geotagError("migration failed")
)
