package buffercache

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/arsenal/memutils"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

func alignUp(value, alignment uint64) uint64 {
	return uint64(memutils.AlignUp(int(value), uint(alignment)))
}

// bufferOf returns the buffer behind id. Unresolved ids read as the null
// buffer.
func (c *Cache) bufferOf(id BufferID) *buffer {
	if id == InvalidBufferID {
		return c.slots.get(NullBufferID)
	}
	return c.slots.get(id)
}

// BufferRange returns the guest range covered by id.
func (c *Cache) BufferRange(id BufferID) (addr, size uint64, ok bool) {
	if !c.slots.contains(id) {
		return 0, 0, false
	}
	b := c.slots.get(id)
	return b.cpuAddr, b.size, true
}

// HostBuffer returns the host buffer object of id.
func (c *Cache) HostBuffer(id BufferID) gpu.Buffer {
	return c.bufferOf(id).host
}

// FindBuffer returns a buffer containing [addr, addr+size), creating one when
// none does. Address zero and empty ranges resolve to the null buffer.
func (c *Cache) FindBuffer(addr uint64, size uint32) (BufferID, error) {
	return c.findBuffer(addr, size)
}

func (c *Cache) findBuffer(addr uint64, size uint32) (BufferID, error) {
	if addr == 0 || size == 0 {
		return NullBufferID, nil
	}
	if id, ok := c.pageTable[addr>>c.params.PageBits]; ok {
		if c.slots.get(id).isInBounds(addr, uint64(size)) {
			return id, nil
		}
	}
	return c.createBuffer(addr, size)
}

// CreateBuffer allocates a buffer for [addr, addr+size), merging every buffer
// it overlaps into it.
func (c *Cache) CreateBuffer(addr uint64, size uint32) (BufferID, error) {
	return c.createBuffer(addr, size)
}

func (c *Cache) createBuffer(addr uint64, wantedSize uint32) (BufferID, error) {
	overlap := c.resolveOverlaps(addr, uint64(wantedSize))
	size := overlap.End - overlap.Begin

	host, err := c.runtime.CreateBuffer(size)
	if err != nil {
		return InvalidBufferID, errors.Wrapf(err, "creating buffer [%#x, %#x)", overlap.Begin, overlap.End)
	}
	if err := c.runtime.ClearBuffer(host, 0, size, 0); err != nil {
		_ = host.Free()
		return InvalidBufferID, errors.Wrap(err, "clearing new buffer")
	}
	nb := &buffer{host: host, cpuAddr: overlap.Begin, size: size}

	// Copy every overlap before deleting any so a failure leaves the old
	// buffers in place.
	for _, oid := range overlap.IDs {
		old := c.slots.get(oid)
		if !overlap.StreamLeap {
			nb.streamScore += old.streamScore + 1
		}
		copies := []gpu.BufferCopy{{SrcOffset: 0, DstOffset: old.cpuAddr - nb.cpuAddr, Size: old.size}}
		if err := c.runtime.CopyBuffer(host, old.host, copies, true); err != nil {
			_ = host.Free()
			return InvalidBufferID, errors.Wrapf(err, "joining buffer %d", oid)
		}
	}

	id := c.slots.insert(nb)
	for _, oid := range overlap.IDs {
		if err := c.deleteBuffer(oid, true); err != nil {
			return InvalidBufferID, err
		}
	}
	c.register(id)
	c.touch(id)

	c.stats.CreatedBuffers++
	c.stats.MergedBuffers += int64(len(overlap.IDs))
	if overlap.StreamLeap {
		c.stats.StreamLeaps++
	}
	c.log.WithFields(logrus.Fields{
		"id":          id,
		"begin":       overlap.Begin,
		"end":         overlap.End,
		"overlaps":    len(overlap.IDs),
		"stream_leap": overlap.StreamLeap,
	}).Debug("created buffer")
	return id, nil
}

// DeleteBuffer downloads pending GPU writes of id and destroys it.
func (c *Cache) DeleteBuffer(id BufferID) error {
	if id == NullBufferID || id == InvalidBufferID {
		return errors.Newf("buffer %d cannot be deleted", id)
	}
	return c.deleteBuffer(id, false)
}

// deleteBuffer removes id from the cache. Merges pass doNotMark because the
// new buffer already holds the contents.
func (c *Cache) deleteBuffer(id BufferID, doNotMark bool) error {
	b := c.slots.get(id)
	var err error
	if !doNotMark {
		err = c.downloadBufferMemory(b, b.cpuAddr, b.size)
		c.tracker.MarkRegionAsCpuModified(b.cpuAddr, b.size)
	}
	for _, ch := range c.channels {
		ch.forgetBuffer(id)
	}
	c.unregister(id)
	c.destruction.Push(b.host)
	c.slots.erase(id)
	c.stats.DeletedBuffers++

	c.log.WithFields(logrus.Fields{
		"id":    id,
		"begin": b.cpuAddr,
		"size":  b.size,
		"merge": doNotMark,
	}).Debug("deleted buffer")
	return errors.Wrapf(err, "flushing buffer %d", id)
}

func (c *Cache) register(id BufferID)   { c.changeRegister(id, true) }
func (c *Cache) unregister(id BufferID) { c.changeRegister(id, false) }

func (c *Cache) changeRegister(id BufferID, insert bool) {
	b := c.slots.get(id)
	accounted := alignUp(b.size, registerAlignment)
	if insert {
		c.totalUsedMemory += accounted
		c.lru.Insert(id, c.frameTick)
	} else {
		c.totalUsedMemory -= min(accounted, c.totalUsedMemory)
		c.lru.Free(id)
	}

	bits := c.params.PageBits
	pageEnd := (b.end() + c.pageSize() - 1) >> bits
	for page := b.cpuAddr >> bits; page < pageEnd; page++ {
		if !insert {
			delete(c.pageTable, page)
			continue
		}
		if owner, ok := c.pageTable[page]; ok {
			panic(errors.AssertionFailedf("page %#x registered to buffers %d and %d", page<<bits, owner, id))
		}
		c.pageTable[page] = id
	}
}

func (c *Cache) touch(id BufferID) {
	if id != NullBufferID && id != InvalidBufferID {
		c.lru.Touch(id, c.frameTick)
	}
}

// IsRegionRegistered reports whether any buffer overlaps [addr, addr+size).
func (c *Cache) IsRegionRegistered(addr, size uint64) bool {
	end := addr + size
	bits := c.params.PageBits
	pageEnd := (end + c.pageSize() - 1) >> bits
	for page := addr >> bits; page < pageEnd; {
		id, ok := c.pageTable[page]
		if !ok {
			page++
			continue
		}
		b := c.slots.get(id)
		if b.cpuAddr < end && addr < b.end() {
			return true
		}
		page = (b.end() + c.pageSize() - 1) >> bits
	}
	return false
}

// forEachBufferInRange visits every buffer overlapping [addr, addr+size)
// once. fn may delete the buffer it is given.
func (c *Cache) forEachBufferInRange(addr, size uint64, fn func(BufferID, *buffer)) {
	bits := c.params.PageBits
	pageEnd := (addr + size + c.pageSize() - 1) >> bits
	for page := addr >> bits; page < pageEnd; {
		id, ok := c.pageTable[page]
		if !ok {
			page++
			continue
		}
		b := c.slots.get(id)
		next := (b.end() + c.pageSize() - 1) >> bits
		fn(id, b)
		page = next
	}
}
