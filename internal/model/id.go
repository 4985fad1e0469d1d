package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a task identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed ULID string.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
