package reqmux

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// ID is the 128-bit request/response correlation identifier. Callers must
// guarantee uniqueness across requests that are concurrently in flight on
// the same Multiplexer; the Multiplexer itself only detects collisions
// (see ErrDuplicateRequest), it does not enforce global uniqueness.
type ID [16]byte

// NewID generates a random ID suitable for use as a request identifier.
// Backed by a UUIDv4 generator; callers that already have their own
// correlation scheme (sequence numbers, trace IDs, ...) are free to pack
// them into an ID directly instead of calling NewID.
func NewID() ID {
	return ID(uuid.New())
}

// String renders the ID as lowercase hex, with no dashes (unlike
// uuid.UUID.String) since reqmux does not require the value to look like a
// UUID, only to be a stable 128-bit key.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value, generally a sign the caller
// forgot to set one.
func (id ID) IsZero() bool {
	return id == ID{}
}
