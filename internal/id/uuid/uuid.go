// Package uuid issues and parses fetch run identifiers. Run IDs are UUID v7 so
// they sort by creation time in the record store.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates run IDs.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUID v7 in canonical form.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// Canonical parses s in any form accepted by uuid.Parse (braced, urn:uuid:,
// upper case) and returns the lower-case hyphenated form records are keyed by.
func Canonical(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("malformed run id %q: %w", s, err)
	}
	return id.String(), nil
}
