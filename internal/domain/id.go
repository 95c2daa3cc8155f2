package domain

import "github.com/google/uuid"

// NewID generates a UUIDv7 string for execution records, active-client
// registrations, and any other application-owned entity that needs a
// time-sortable identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
