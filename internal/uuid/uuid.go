// Package uuid provides time-ordered record ID generation. IDs are opaque
// to the rest of the system: imported collections may carry IDs from older
// installs in any format, so nothing here validates shape.
package uuid

import "github.com/google/uuid"

// New generates a new UUID v7. Version 7 embeds a millisecond timestamp in
// the high bits, so IDs generated in sequence sort roughly by creation time
// (monotonic-ish, not guaranteed strictly increasing across processes).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source is broken; fall back to v4
		// rather than returning an unusable ID.
		return uuid.New().String()
	}
	return id.String()
}
