// Package ids generates the message identifiers stamped on outbound messages.
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

// NewMessageID returns a time-sortable ULID encoded as a 26-character string.
// IDs generated within the same millisecond are strictly increasing.
func NewMessageID() string {
	return newAt(time.Now()).String()
}

// NewConnectionID returns a ULID identifying one broker connection in logs.
func NewConnectionID() string {
	return newAt(time.Now()).String()
}

func newAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// Timestamp extracts the creation time encoded in a message ID.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
