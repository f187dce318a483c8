// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"testing"
)

// TestNew tests that New() generates valid v7 identifiers.
func TestNew(t *testing.T) {
	id := New()
	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}
	if !IsValid(id) {
		t.Errorf("Generated UUID is not valid: %s", id)
	}

	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("Version() = %d, want 7", parsed.Version())
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests the accepted formats.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"valid uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"UUID v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestParse_rejectsOtherVersions tests version checking.
func TestParse_rejectsOtherVersions(t *testing.T) {
	if _, err := Parse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"); err == nil {
		t.Error("Parse() should reject v1 UUIDs")
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("Parse() should reject garbage")
	}
	if err := Validate("nope"); err == nil {
		t.Error("Validate() should reject garbage")
	}
}
