package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for event and storage keys.
func New() string {
	return next().String()
}

// NewAddress derives a fresh custody address for a component from a ULID.
// The 48-bit timestamp prefix keeps the address non-zero.
func NewAddress() common.Address {
	id := next()
	return common.BytesToAddress(id[:])
}

func next() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
