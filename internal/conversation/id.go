package conversation

import (
	"github.com/oklog/ulid/v2"
)

// newID returns a ULID: 128 bits, lexically sortable by creation time,
// drawn from a monotonic crypto-seeded entropy source.
func newID() string {
	return ulid.Make().String()
}
