package buffercache

import (
	"testing"
)

func TestGarbageCollectorEvictsIdleBuffers(t *testing.T) {
	params := DefaultParams()
	params.GCTicks = 2
	params.ExpectedMemory = 1
	env := newTestEnv(t, params, runtimeModes[1].opts)
	c := env.cache

	idle, _ := c.CreateBuffer(0x21000, 0x100)
	c.SynchronizeBuffer(idle, 0x21000, 0x100)
	env.gpuWrite(t, idle, 0x21000, 0x10, 0x77)
	busy, _ := c.CreateBuffer(0x81000, 0x100)

	for frame := 0; frame < 4; frame++ {
		if _, _, err := c.ObtainCPUBuffer(0x81000, 0x100, ObtainNoSynchronize, ObtainDoNothing); err != nil {
			t.Fatal(err)
		}
		c.TickFrame()
	}

	if _, _, ok := c.BufferRange(idle); ok {
		t.Fatal("idle buffer survived collection")
	}
	if _, _, ok := c.BufferRange(busy); !ok {
		t.Fatal("buffer used every frame was collected")
	}
	if got := env.guestBytes(0x21000, 0x10); !allBytes(got, 0x77) {
		t.Errorf("GPU writes lost on eviction: % x", got)
	}
	if s := c.Stats(); s.GCEvicted != 1 || s.Buffers != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestGarbageCollectorWaitsForTicks(t *testing.T) {
	params := DefaultParams()
	params.ExpectedMemory = 1
	env := newTestEnv(t, params, runtimeModes[0].opts)
	c := env.cache

	id, _ := c.CreateBuffer(0x21000, 0x100)
	for frame := 0; frame < 10; frame++ {
		c.TickFrame()
	}
	if _, _, ok := c.BufferRange(id); !ok {
		t.Error("buffer collected before GCTicks frames passed")
	}
}

func TestGarbageCollectorIterationCap(t *testing.T) {
	params := DefaultParams()
	params.GCTicks = 1
	params.GCIterations = 2
	params.ExpectedMemory = 1
	env := newTestEnv(t, params, runtimeModes[0].opts)
	c := env.cache

	for i := uint64(0); i < 5; i++ {
		c.CreateBuffer(0x100000+i*0x20000, 0x100)
	}
	// Buffers become eligible once frameTick-GCTicks passes their last use.
	for i := 0; i < 3; i++ {
		c.TickFrame()
	}
	if got := c.Stats().GCEvicted; got != 2 {
		t.Fatalf("evicted %d buffers in one pass, want 2", got)
	}
	c.TickFrame()
	if got := c.Stats().GCEvicted; got != 4 {
		t.Errorf("evicted %d buffers after two passes, want 4", got)
	}
}

func TestTouchKeepsBufferYoung(t *testing.T) {
	lru := newLRUCache()
	lru.Insert(1, 0)
	lru.Insert(2, 0)
	lru.Insert(3, 1)
	lru.Touch(1, 2)

	var seen []BufferID
	lru.ForEachItemBelow(2, func(id BufferID) bool {
		seen = append(seen, id)
		return false
	})
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Errorf("visited %v, want [2 3]", seen)
	}

	lru.Free(2)
	if lru.Len() != 2 {
		t.Errorf("len = %d, want 2", lru.Len())
	}
}

func TestDelayedDestructionRing(t *testing.T) {
	var destroyed []int
	ring := newDelayedDestructionRing(3, func(v int) { destroyed = append(destroyed, v) })
	ring.Push(1)
	ring.Tick()
	ring.Push(2)
	ring.Tick()
	if len(destroyed) != 0 {
		t.Fatalf("destroyed %v too early", destroyed)
	}
	ring.Tick()
	if len(destroyed) != 1 || destroyed[0] != 1 {
		t.Fatalf("destroyed = %v, want [1]", destroyed)
	}
	ring.Drain()
	if len(destroyed) != 2 {
		t.Errorf("drain left values behind: %v", destroyed)
	}
}
