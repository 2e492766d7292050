package pgpool

import (
	"sync"
	"time"
)

// banList is a per-shard ephemeral map of banned addresses, keyed by the
// full Address value so a configuration change that produces a new Address
// invalidates any ban held on the old one. One reader-writer lock covers
// every shard's map: mutators take the writer lock, readers the shared lock.
type banList struct {
	mu      sync.RWMutex
	byShard []map[Address]time.Time
}

func newBanList(shards int) *banList {
	bl := &banList{byShard: make([]map[Address]time.Time, shards)}
	for i := range bl.byShard {
		bl.byShard[i] = make(map[Address]time.Time)
	}
	return bl
}

func (bl *banList) insert(addr Address, at time.Time) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.byShard[addr.Shard][addr] = at
}

func (bl *banList) isBanned(addr Address) bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	_, ok := bl.byShard[addr.Shard][addr]
	return ok
}

func (bl *banList) count(shard int) int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return len(bl.byShard[shard])
}

func (bl *banList) clearShard(shard int) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.byShard[shard] = make(map[Address]time.Time)
}

// lookup returns the ban timestamp for addr and whether it is present.
func (bl *banList) lookup(addr Address) (time.Time, bool) {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	t, ok := bl.byShard[addr.Shard][addr]
	return t, ok
}

func (bl *banList) remove(addr Address) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	delete(bl.byShard[addr.Shard], addr)
}
