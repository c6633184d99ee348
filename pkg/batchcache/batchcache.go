// Package batchcache holds decrypted batch contents between searches.
// The cache is the sole owner of decrypted plaintext: callers get pinned
// read-only views and the memory governor is the only actor allowed to
// evict unilaterally. Evicted entries are wiped, but never while a pin
// is still outstanding; the wipe is deferred to the last release.
package batchcache

import (
	"sync"
	"time"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

// MaxConcurrentBatches is the hard bound on simultaneously held decrypted
// batches. Enforced before insertion, never after.
const MaxConcurrentBatches = 3

// Entry is one decrypted batch with its bookkeeping.
type Entry struct {
	BatchID        string
	Data           *batch.Data
	SizeMB         float64
	CreatedAt      time.Time
	LastAccessedAt time.Time

	// refs counts outstanding pins; doomed marks an entry that was
	// evicted while pinned and must be wiped on the last release.
	refs   int
	doomed bool
}

// Pin is a read lease on a cached batch. The data stays intact until
// every pin on it is released; Release must be called exactly once.
type Pin struct {
	cache *Cache
	entry *Entry
}

// Data returns the pinned batch contents. Callers must not mutate them.
func (p *Pin) Data() *batch.Data {
	return p.entry.Data
}

// Release ends the lease. If the entry was evicted while pinned, the
// last release performs the deferred wipe. Safe on a nil pin.
func (p *Pin) Release() {
	if p == nil || p.cache == nil {
		return
	}
	c := p.cache
	p.cache = nil

	c.mu.Lock()
	defer c.mu.Unlock()
	p.entry.refs--
	if p.entry.refs <= 0 && p.entry.doomed {
		wipe(p.entry.Data)
	}
}

// Stats is the observable cache state.
type Stats struct {
	Entries     int
	TotalSizeMB float64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
}

// Cache is a size-bounded LRU of decrypted batches.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time // override in tests
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*Entry, MaxConcurrentBatches),
		now:     time.Now,
	}
}

// Track inserts a freshly decrypted batch and returns a pin on it. If the
// cache is already at MaxConcurrentBatches the least-recently-accessed
// entry is evicted first.
func (c *Cache) Track(batchID string, data *batch.Data, sizeMB float64) *Pin {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[batchID]; ok {
		c.retireLocked(old)
	}

	for len(c.entries) >= MaxConcurrentBatches {
		c.evictOldestLocked()
	}

	now := c.now()
	e := &Entry{
		BatchID:        batchID,
		Data:           data,
		SizeMB:         sizeMB,
		CreatedAt:      now,
		LastAccessedAt: now,
		refs:           1,
	}
	c.entries[batchID] = e
	return &Pin{cache: c, entry: e}
}

// Access returns a pin on the cached batch and refreshes its recency.
func (c *Cache) Access(batchID string) (*Pin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[batchID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.LastAccessedAt = c.now()
	e.refs++
	return &Pin{cache: c, entry: e}, true
}

// EvictOldest removes the least-recently-accessed entry. Returns the
// evicted batch id, or false when the cache is empty. The entry is wiped
// immediately when unpinned, otherwise on its last release.
func (c *Cache) EvictOldest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOldestLocked()
}

// EvictAllButMostRecent keeps only the most-recently-accessed entry.
// Used by the governor's aggressive cleanup.
func (c *Cache) EvictAllButMostRecent() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for len(c.entries) > 1 {
		if _, ok := c.evictOldestLocked(); !ok {
			break
		}
		evicted++
	}
	return evicted
}

// Clear drops every entry. Called on password reset and at session end.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		c.retireLocked(e)
	}
}

// Len returns the number of held batches.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, e := range c.entries {
		s.TotalSizeMB += e.SizeMB
	}
	return s
}

func (c *Cache) evictOldestLocked() (string, bool) {
	var oldest *Entry
	for _, e := range c.entries {
		if oldest == nil || e.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return "", false
	}
	c.retireLocked(oldest)
	return oldest.BatchID, true
}

// retireLocked removes an entry from the cache. Unpinned entries are
// wiped on the spot; pinned ones are doomed and wiped by the last
// release. Caller holds c.mu.
func (c *Cache) retireLocked(e *Entry) {
	delete(c.entries, e.BatchID)
	c.evictions++
	if e.refs > 0 {
		e.doomed = true
		return
	}
	wipe(e.Data)
}

// wipe clears decrypted plaintext before the entry is released. Go
// strings cannot be overwritten in place, so every reference is dropped
// from the backing array instead, leaving nothing reachable from the
// cache once the entry is gone.
func wipe(data *batch.Data) {
	if data == nil {
		return
	}
	for i := range data.Documents {
		d := &data.Documents[i]
		d.Content = ""
		d.Filename = ""
		d.ID = ""
		d.Keywords = nil
	}
	data.Documents = data.Documents[:0]
	data.BatchID = ""
}
