// Package ner — s3fifo.go
//
// fifoCache puts an in-memory S3-FIFO eviction layer in front of a
// resultCache, bounding both the hot footprint and (because evictions also
// delete from the backing bucket) the on-disk cache size.
//
// S3-FIFO (Yang et al., 2023) runs two FIFO queues plus a bounded ghost set:
//
//   - S (~10% of capacity): probationary queue taking all new keys.
//   - M (the rest): keys that earned at least one access before S evicted
//     them.
//   - G: ring of keys recently evicted from S, capped at 2× the S target. A
//     key found in G on insert skips S and lands straight in M, which gives
//     scan resistance without LRU's per-access bookkeeping.
//
// Each resident entry carries a saturating access counter (max 3),
// incremented on Get hits and cleared on promotion. Evicting the head of S
// promotes it to M when the counter is non-zero, otherwise drops it to G;
// evicting the head of M drops it outright. Dropped keys are deleted from
// the backing store on a goroutine so the hot path never waits on disk.
//
// After a restart the memory layer starts cold and re-warms from the
// backing bucket hit by hit.
package ner

import (
	"container/list"
	"sync"
)

type fifoEntry struct {
	value []byte
	freq  uint8         // saturating access counter in [0, 3]
	elem  *list.Element // position in small or main
	inM   bool
}

type fifoCache struct {
	mu sync.Mutex

	capacity int // small + main resident limit
	sTarget  int
	ghostCap int

	entries map[string]*fifoEntry
	small   *list.List // element values are string keys
	main    *list.List

	ghostRing  []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing resultCache
}

// newFIFOCache fronts backing with an S3-FIFO layer holding at most
// capacity items in memory. Capacities below 2 are clamped to 2.
func newFIFOCache(backing resultCache, capacity int) resultCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &fifoCache{
		capacity:  capacity,
		sTarget:   sTarget,
		ghostCap:  ghostCap,
		entries:   make(map[string]*fifoEntry, capacity),
		small:     list.New(),
		main:      list.New(),
		ghostRing: make([]string, ghostCap),
		ghostSet:  make(map[string]struct{}, ghostCap),
		backing:   backing,
	}
}

func (c *fifoCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	// Miss: consult the backing store without holding the mutex, then
	// re-warm on a hit.
	value, ok := c.backing.Get(key)
	if !ok {
		return nil, false
	}
	c.insert(key, value)
	return value, true
}

func (c *fifoCache) Set(key string, value []byte) {
	c.insert(key, value)
	c.backing.Set(key, value)
}

func (c *fifoCache) Delete(key string) {
	c.mu.Lock()
	c.dropResident(key)
	c.mu.Unlock()
	c.backing.Delete(key)
}

func (c *fifoCache) Close() error {
	return c.backing.Close()
}

// insert adds or updates key in memory, evicting while over capacity.
// Updates keep the entry's queue position.
func (c *fifoCache) insert(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.inGhost(key)
	var elem *list.Element
	if inM {
		elem = c.main.PushBack(key)
	} else {
		elem = c.small.PushBack(key)
	}
	c.entries[key] = &fifoEntry{value: value, elem: elem, inM: inM}

	for c.small.Len()+c.main.Len() > c.capacity {
		if c.small.Len() > 0 {
			c.evictSmall()
		} else {
			c.evictMain()
		}
	}
}

// evictSmall pops the head of S: promote when accessed, otherwise drop to
// the ghost ring and delete from disk. Caller holds mu.
func (c *fifoCache) evictSmall() {
	front := c.small.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.small.Remove(front)
	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.main.PushBack(key)
		if c.main.Len() > c.capacity-c.sTarget {
			c.evictMain()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
	go c.backing.Delete(key)
}

// evictMain pops and drops the head of M. M evictions do not enter the
// ghost ring. Caller holds mu.
func (c *fifoCache) evictMain() {
	front := c.main.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.main.Remove(front)
	delete(c.entries, key)
	go c.backing.Delete(key)
}

// dropResident removes key from its queue and the entries map. Caller
// holds mu.
func (c *fifoCache) dropResident(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.main.Remove(e.elem)
	} else {
		c.small.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *fifoCache) inGhost(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd records key in the ring, evicting the oldest ghost when full.
// Caller holds mu.
func (c *fifoCache) ghostAdd(key string) {
	if _, ok := c.ghostSet[key]; ok {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostRing[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostRing[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
