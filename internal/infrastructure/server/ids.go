package server

import "github.com/google/uuid"

// newID returns a short opaque identifier for sessions and requests.
func newID() string {
	return uuid.NewString()[:8]
}
