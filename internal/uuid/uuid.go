// Package uuid provides identifier generation and validation utilities.
//
// Identifiers are UUID v7 so that they sort by creation time; v4 values
// produced by older clients are still accepted by validation.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-Vxxx-yxxx-xxxxxxxxxxxx with V in {4,7} and y in [8,9,a,b]
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v7, falling back to v4 if the clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and checks that it is a v4 or v7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a valid v4 or v7 UUID in canonical form.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
