// Package ids generates the identifiers used for pools and IPC channels.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

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

// WithPrefix returns prefix followed by a fresh ULID, e.g. "pool-01J...".
func WithPrefix(prefix string) string {
	if prefix == "" {
		return CreateULID()
	}
	return prefix + "-" + CreateULID()
}

// Timestamp extracts the creation time encoded in a ULID produced by
// CreateULID. ok is false for anything that is not a ULID.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
