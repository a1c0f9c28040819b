package directory

import "time"

// Age-based expiration windows per SPEC_FULL.md §4.7: router descriptors
// expire 5 days after publication; microdescriptors expire 7 days after
// they cease being listed in a consensus; consensuses expire 2 days after
// their valid-after timestamp. These bound Cache.SweepAged independently
// of the index's own ValidUntil bookkeeping, which tracks "still trusted
// without a refetch" rather than "evictable."
const (
	RouterDescExpiry = 5 * 24 * time.Hour
	MicrodescExpiry  = 7 * 24 * time.Hour
	ConsensusExpiry  = 2 * 24 * time.Hour
)

// expiryFor returns the age-based eviction window for a cached document
// kind; a kind it does not recognise gets MicrodescExpiry.
func expiryFor(kind string) time.Duration {
	switch kind {
	case "consensus":
		return ConsensusExpiry
	case "microdescriptors":
		return MicrodescExpiry
	case "router-descriptors":
		return RouterDescExpiry
	default:
		return MicrodescExpiry
	}
}

// SweepAged removes cached blobs whose kind-specific age window has closed,
// independent of whether they are still referenced by the index's current
// pointer for that kind. Unlike Sweep (which only reclaims orphaned blobs),
// this also retires a *current* entry once it is simply too old, matching
// SPEC_FULL.md's "expiry is a background sweep; it never blocks lookups" —
// a caller doing Load concurrently with SweepAged always sees a consistent
// index, just possibly a cache miss on the next call.
func (c *Cache) SweepAged(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for kind, entry := range c.index.Entries {
		window := expiryFor(kind)
		if now.Sub(entry.StoredAt) <= window {
			continue
		}
		delete(c.index.Entries, kind)
		c.logger.Debug("expired aged cache entry", "kind", kind, "age", now.Sub(entry.StoredAt))
	}
	return c.saveLocked()
}
