// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cache keeps the most recent events of each job in memory so that
// short reconnects replay without touching the store. It is purely a read
// optimisation: a miss always falls through to the event log.
package cache

import (
	"sync"
	"time"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// Cache holds a bounded, contiguous tail of each job's log.
type Cache interface {
	// Push records an event that was just appended. Events must arrive in
	// seq order; a gap resets the job's ring, a duplicate is ignored.
	Push(ev eventlog.Event)
	// After returns up to limit cached events with seq > afterSeq. ok is
	// true only when the result starts exactly at afterSeq+1 (or the
	// cache knows nothing newer than afterSeq exists in its ring).
	After(jobID string, afterSeq uint64, limit int) (events []eventlog.Event, ok bool)
	// Forget drops a job's ring.
	Forget(jobID string)
	// Clear removes all rings.
	Clear()
	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance metrics.
type CacheStats struct {
	Hits        int64 // After calls that served from afterSeq+1
	Misses      int64 // After calls that could not
	Pushes      int64
	Evictions   int64 // events overwritten plus rings expired
	CurrentSize int   // number of jobs with a ring
}

// ring is a fixed-capacity circular buffer of contiguous events.
type ring struct {
	buf      []eventlog.Event
	start    int // index of the oldest event
	n        int
	lastUsed time.Time
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]eventlog.Event, capacity)}
}

func (r *ring) oldest() uint64 { return r.buf[r.start].Seq }

func (r *ring) newest() uint64 { return r.buf[(r.start+r.n-1)%len(r.buf)].Seq }

func (r *ring) reset() {
	r.start, r.n = 0, 0
	clear(r.buf)
}

// push appends ev and reports whether an older event was overwritten.
func (r *ring) push(ev eventlog.Event) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return false
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// memoryCache is the in-process implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration
	rings    map[string]*ring
	stats    CacheStats
	janitor  *janitor
}

// DefaultCapacity is the per-job ring size.
const DefaultCapacity = 256

// NewMemoryCache creates a cache holding the last capacity events per job.
// Rings untouched for idleTTL are dropped every cleanupInterval; zero
// disables the janitor.
func NewMemoryCache(capacity int, idleTTL, cleanupInterval time.Duration) Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &memoryCache{
		capacity: capacity,
		idleTTL:  idleTTL,
		rings:    make(map[string]*ring),
	}

	if cleanupInterval > 0 && idleTTL > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
			done:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryCache) Push(ev eventlog.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rings[ev.JobID]
	if !ok {
		r = newRing(c.capacity)
		c.rings[ev.JobID] = r
	}
	r.lastUsed = time.Now()

	if r.n > 0 {
		last := r.newest()
		if ev.Seq <= last {
			return
		}
		if ev.Seq != last+1 {
			c.stats.Evictions += int64(r.n)
			r.reset()
		}
	}
	if r.push(ev) {
		c.stats.Evictions++
	}
	c.stats.Pushes++
}

func (c *memoryCache) After(jobID string, afterSeq uint64, limit int) ([]eventlog.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rings[jobID]
	if !ok || r.n == 0 || afterSeq+1 < r.oldest() {
		c.stats.Misses++
		return nil, false
	}
	r.lastUsed = time.Now()
	c.stats.Hits++

	if afterSeq >= r.newest() {
		return []eventlog.Event{}, true
	}
	skip := int(afterSeq + 1 - r.oldest())
	count := r.n - skip
	if limit > 0 && count > limit {
		count = limit
	}
	out := make([]eventlog.Event, count)
	for i := 0; i < count; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out, true
}

func (c *memoryCache) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rings, jobID)
}

// Clear removes all rings.
func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rings = make(map[string]*ring)
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.CurrentSize = len(c.rings)
	return stats
}

// deleteIdle removes rings not touched within idleTTL.
// Returns the number of rings deleted.
func (c *memoryCache) deleteIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.idleTTL)
	count := 0
	for jobID, r := range c.rings {
		if r.lastUsed.Before(cutoff) {
			delete(c.rings, jobID)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

// Stop stops the background cleanup goroutine and waits for it to exit.
func (c *memoryCache) Stop() {
	if c.janitor != nil {
		c.janitor.stopOnce.Do(func() { close(c.janitor.stop) })
		<-c.janitor.done
	}
}

// Stop ends the janitor of a cache built by NewMemoryCache; it is a no-op
// for other implementations.
func Stop(c Cache) {
	if mc, ok := c.(*memoryCache); ok {
		mc.Stop()
	}
}

// janitor performs periodic cleanup of idle rings.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteIdle()
		case <-j.stop:
			return
		}
	}
}

// noOpCache is a cache that does nothing (capacity 0 disables caching).
type noOpCache struct{}

// NewNoOpCache creates a cache that doesn't cache anything.
func NewNoOpCache() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Push(eventlog.Event) {}
func (c *noOpCache) After(string, uint64, int) ([]eventlog.Event, bool) {
	return nil, false
}
func (c *noOpCache) Forget(string)     {}
func (c *noOpCache) Clear()            {}
func (c *noOpCache) Stats() CacheStats { return CacheStats{} }
