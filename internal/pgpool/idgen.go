package pgpool

import (
	"math/rand"
)

// newServerID mints the random server identity used for Reporter events. It
// is distinct from Address.ID, which is a dense per-build counter.
func newServerID() int32 {
	return rand.Int31()
}
