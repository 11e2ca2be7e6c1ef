// Package uuid generates time-ordered resolution IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 values, which sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewRawID returns a UUID7, falling back to a random UUIDv4 if the clock
// sequence cannot be read.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		v4, err4 := uuid.NewRandom()
		if err4 != nil {
			return uuid.Nil, fmt.Errorf("generate uuid: %w", err4)
		}
		return v4, nil
	}
	return id, nil
}
