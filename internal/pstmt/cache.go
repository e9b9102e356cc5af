// Package pstmt implements doorman's prepared-statement rename-and-cache
// scheme: client-chosen prepared statement names collide across pooled
// backend connections, so every distinct query text gets a process-wide
// canonical name ("DOORMAN_<n>") that is Parse'd once per backend connection
// and reused thereafter.
package pstmt

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one canonicalized prepared statement.
type Entry struct {
	CanonicalName string
	Query         string
	ParamOIDs     []uint32
}

// Cache maps query text to its canonical Entry, evicting least-recently-used
// entries once the cache is full. OnEvict is invoked (outside any lock) with
// entries that fall out of the cache, so callers can tell pooled backend
// connections to DEALLOCATE the now-stale canonical name.
type Cache struct {
	lru     *lru.Cache[string, *Entry]
	counter atomic.Uint64
	onEvict func(*Entry)
}

// New creates a cache holding up to size distinct query texts.
func New(size int, onEvict func(*Entry)) (*Cache, error) {
	c := &Cache{onEvict: onEvict}
	inner, err := lru.NewWithEvict(size, func(_ string, e *Entry) {
		if c.onEvict != nil {
			c.onEvict(e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating prepared statement cache: %w", err)
	}
	c.lru = inner
	return c, nil
}

// GetOrCreate returns the canonical Entry for query, creating one with a
// fresh canonical name if this is the first time this query text has been
// seen. The second return value reports whether a new entry was created.
func (c *Cache) GetOrCreate(query string, paramOIDs []uint32) (*Entry, bool) {
	if e, ok := c.lru.Get(query); ok {
		return e, false
	}
	e := &Entry{
		CanonicalName: c.nextName(),
		Query:         query,
		ParamOIDs:     paramOIDs,
	}
	c.lru.Add(query, e)
	return e, true
}

// Lookup returns the canonical Entry for query without creating one.
func (c *Cache) Lookup(query string) (*Entry, bool) {
	return c.lru.Get(query)
}

// Len reports the number of distinct query texts currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge evicts every entry, invoking onEvict for each (used when a pool is
// torn down and all of its backend connections are about to close anyway).
func (c *Cache) Purge() {
	c.lru.Purge()
}

func (c *Cache) nextName() string {
	n := c.counter.Add(1)
	return fmt.Sprintf("DOORMAN_%d", n)
}
