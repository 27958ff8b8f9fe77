package id

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// New generates a new ULID string for a follow request. ULIDs embed their
// creation time in the high bits, so lexicographic order agrees with creation
// order and the queue's id tie-break never contradicts its FIFO ordering.
func New() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
