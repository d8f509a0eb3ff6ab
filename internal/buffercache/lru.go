package buffercache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// lruCache orders buffer ids by the frame tick they were last used in.
type lruCache struct {
	lru *simplelru.LRU[BufferID, uint64]
}

func newLRUCache() *lruCache {
	// Eviction is driven by the garbage collector, never by capacity.
	lru, err := simplelru.NewLRU[BufferID, uint64](math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	return &lruCache{lru: lru}
}

func (c *lruCache) Insert(id BufferID, tick uint64) { c.lru.Add(id, tick) }

// Touch moves id to the most recently used position.
func (c *lruCache) Touch(id BufferID, tick uint64) {
	if old, ok := c.lru.Peek(id); ok && old == tick {
		return
	}
	c.lru.Add(id, tick)
}

func (c *lruCache) Free(id BufferID) { c.lru.Remove(id) }

func (c *lruCache) Len() int { return c.lru.Len() }

// ForEachItemBelow visits ids last touched before tick, oldest first, until fn
// returns true.
func (c *lruCache) ForEachItemBelow(tick uint64, fn func(BufferID) bool) {
	for _, id := range c.lru.Keys() {
		t, ok := c.lru.Peek(id)
		if !ok {
			continue
		}
		if t >= tick {
			return
		}
		if fn(id) {
			return
		}
	}
}
