package fly

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestID correlates one metadata message with one connection transfer.
// It is opaque; nothing but equality is ever asked of it.
type RequestID string

func (id RequestID) String() string {
	return fmt.Sprintf("[ID %s]", string(id))
}

// IDGenerator mints RequestIDs. It must return a distinct value for every
// call with overwhelming probability.
type IDGenerator func() RequestID

// NewRequestID returns a random (version 4 UUID) RequestID.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}
