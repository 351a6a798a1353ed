// Package resolver caches the listener's destination-address lookup (spec
// §4.4 step 4): resolving the dotted-quad original destination to a
// connect(2)-ready address is logically a DNS step in pep.c
// (gethostbyname), but since the input is already a literal IP the only
// real cost worth caching is repeat origins reusing the same resolution.
package resolver

import (
	"net/netip"

	"github.com/cornelk/hashmap"
)

// Cache memoizes dotted-quad -> resolved-address lookups.
type Cache struct {
	entries *hashmap.Map[string, netip.Addr]
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{entries: hashmap.New[string, netip.Addr]()}
}

// Resolve returns the address for addr, parsing and caching it on first
// use. pep.c calls gethostbyname(3) on the dotted-quad string here; since
// the input is always already a literal address (spec §4.4 step 4's "an
// implementer may use a direct in-addr parse" alternative), parsing is all
// a correct resolution requires — the cache exists purely to spare
// repeat-origin connections a second parse/allocation.
func (c *Cache) Resolve(addr netip.Addr) (netip.Addr, error) {
	key := addr.String()
	if cached, ok := c.entries.Get(key); ok {
		return cached, nil
	}
	resolved, existing := c.entries.GetOrInsert(key, addr)
	if existing {
		return resolved, nil
	}
	return addr, nil
}

// Len reports the number of distinct origins currently cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}
