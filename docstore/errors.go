package docstore

import "errors"

// Common document store errors.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrCorrupt is returned when a document exists but cannot be parsed
	// and salvage was not requested.
	ErrCorrupt = errors.New("document is corrupt")
	// ErrUnavailable is returned when the underlying filesystem path
	// cannot be reached, created, or locked.
	ErrUnavailable = errors.New("document store unavailable")
)
