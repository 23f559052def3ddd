// Package idgen assigns globally unique, monotonically increasing ids to
// long-term memory records (spec.md §3.1, §4.4 step 1). Lexicographic order
// on the id matches insertion order.
package idgen

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Generator produces ULIDs: a 48-bit millisecond timestamp followed by 80
// bits of entropy, encoded as a 26-character Crockford base32 string that
// sorts the same lexicographically as chronologically. Within the same
// millisecond, entropy is incremented rather than re-randomized, so ids
// minted back-to-back by one Generator are strictly increasing.
type Generator struct {
	mu      sync.Mutex
	entropy ulid.MonotonicReader
}

// New creates a Generator seeded from crypto/rand.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewID mints the next id. Safe for concurrent use.
func (g *Generator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Now(), g.entropy).String()
}

// Default is the package-level Generator used by NewID.
var Default = New()

// NewID mints an id from Default.
func NewID() string {
	return Default.NewID()
}
