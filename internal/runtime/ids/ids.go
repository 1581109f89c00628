// Package ids generates the identifiers carried on the wire: ULIDs for
// message UUIDs and random UUIDs for RPC correlation and reply routing keys.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCorrelationID returns an opaque identifier linking an RPC request to its reply.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewReplyKey returns a fresh routing key for a per-call reply queue.
func NewReplyKey() string {
	return uuid.NewString()
}
