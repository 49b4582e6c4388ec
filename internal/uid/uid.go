// Package uid provides unique identifier generation for transfery.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID in its canonical 36-character form,
// used for multipart upload ids.
func New() string {
	return uuid.NewString()
}

// Compact returns a random UUID without dashes, suitable for temp file names.
func Compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID. Local upload ids are always
// UUIDs, so anything else can be rejected before touching the registry.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
