package transfer

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultTombstoneLimit is how many finished transfer ids are remembered
// when no limit is configured.
const DefaultTombstoneLimit = 4096

// Tombstones remembers recently finished transfer ids so late chunks are
// reported as duplicates. The oldest ids are evicted once the limit is hit.
// It is safe for concurrent use.
type Tombstones struct {
	cache *lru.Cache
}

// NewTombstones returns a set holding at most limit ids. A limit below one
// uses DefaultTombstoneLimit.
func NewTombstones(limit int) *Tombstones {
	if limit <= 0 {
		limit = DefaultTombstoneLimit
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(limit)
	return &Tombstones{cache: cache}
}

// Add marks transferID finished.
func (t *Tombstones) Add(transferID string) {
	t.cache.Add(transferID, struct{}{})
}

// Contains reports whether transferID finished recently.
func (t *Tombstones) Contains(transferID string) bool {
	return t.cache.Contains(transferID)
}

// Purge forgets every id.
func (t *Tombstones) Purge() {
	t.cache.Purge()
}

// Len returns how many ids are remembered.
func (t *Tombstones) Len() int {
	return t.cache.Len()
}
