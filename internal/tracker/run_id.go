package tracker

import "github.com/google/uuid"

// NewRunUUID mints a run uuid for runs started without one.
func NewRunUUID() string {
	return uuid.New().String()
}
