package memory

import "github.com/google/uuid"

// NewAtomID returns a fresh atom identifier
func NewAtomID() string {
	return "atom-" + uuid.NewString()
}

// NewThreadID returns a fresh thread identifier
func NewThreadID() string {
	return "thread-" + uuid.NewString()
}

// NewExchangeID returns a fresh exchange identifier
func NewExchangeID() string {
	return "ex-" + uuid.NewString()
}
