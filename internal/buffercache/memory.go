package buffercache

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/interval"
)

func (c *Cache) IsRegionGpuModified(addr, size uint64) bool {
	return c.tracker.IsRegionGpuModified(addr, size)
}

func (c *Cache) IsRegionCpuModified(addr, size uint64) bool {
	return c.tracker.IsRegionCpuModified(addr, size)
}

// WriteMemory records a CPU write to [addr, addr+size). Pending GPU data for
// the range is discarded.
func (c *Cache) WriteMemory(addr, size uint64) {
	if c.tracker.IsRegionGpuModified(addr, size) {
		c.clearDownload(addr, addr+size)
		c.commonRanges.Subtract(addr, addr+size)
	}
	c.tracker.MarkRegionAsCpuModified(addr, size)
}

// CachedWriteMemory records a CPU write that takes effect at the next
// FlushCachedWrites.
func (c *Cache) CachedWriteMemory(addr, size uint64) {
	c.tracker.CachedCpuWrite(addr, size)
}

// FlushCachedWrites applies every cached CPU write.
func (c *Cache) FlushCachedWrites() {
	for _, sp := range c.tracker.FlushCachedWrites() {
		c.clearDownload(sp.Start, sp.End)
		c.commonRanges.Subtract(sp.Start, sp.End)
	}
}

// OnCPUWrite is called before the CPU writes [addr, addr+size). It returns
// true when the tracking pages hold GPU data that must be downloaded first;
// otherwise the write is recorded and false is returned.
func (c *Cache) OnCPUWrite(addr, size uint64) bool {
	if !c.IsRegionRegistered(addr, size) {
		return false
	}
	start, end := c.tracker.AlignOut(addr, size)
	if c.tracker.IsRegionGpuModified(start, end-start) {
		return true
	}
	c.WriteMemory(addr, size)
	return false
}

// DownloadMemory writes every GPU-modified byte of [addr, addr+size) back to
// guest memory, waiting for async downloads that cover it.
func (c *Cache) DownloadMemory(addr, size uint64) error {
	if err := c.waitOnAsyncFlushes(addr, size); err != nil {
		return err
	}
	var errs error
	c.forEachBufferInRange(addr, size, func(_ BufferID, b *buffer) {
		errs = errors.CombineErrors(errs, c.downloadBufferMemory(b, addr, size))
	})
	return errs
}

// GetFlushArea returns the page-aligned area around [addr, addr+size) and
// whether it can be downloaded ahead of the read. The area is remembered as
// preflushable.
func (c *Cache) GetFlushArea(addr, size uint64) FlushArea {
	start, end := c.tracker.AlignOut(addr, size)
	area := FlushArea{Start: start, End: end}
	if c.tracker.IsRegionPreflushable(addr, size) {
		area.Preemptive = true
		return area
	}
	area.Preemptive = !c.tracker.IsRegionGpuModified(start, end-start)
	c.tracker.MarkRegionAsPreflushable(start, end-start)
	return area
}

// InlineMemory writes data straight into the buffer covering dest when the
// surrounding pages hold GPU data. It returns false when the caller should
// treat the write as an ordinary CPU write instead.
func (c *Cache) InlineMemory(dest uint64, data []byte) (bool, error) {
	size := uint64(len(data))
	if size == 0 || !c.IsRegionRegistered(dest, size) {
		return false, nil
	}
	start, end := c.tracker.AlignOut(dest, size)
	if !c.tracker.IsRegionGpuModified(start, end-start) {
		return false, nil
	}

	c.clearDownload(dest, dest+size)
	c.commonRanges.Subtract(dest, dest+size)
	id, err := c.findBuffer(dest, uint32(size))
	if err != nil {
		return false, err
	}
	b := c.slots.get(id)
	if _, err := c.synchronizeBuffer(b, dest, uint32(size)); err != nil {
		return false, err
	}

	if !c.caps.MappedUploads {
		return true, c.runtime.ImmediateUpload(b.host, b.offset(dest), data)
	}
	staging, err := c.runtime.UploadStagingBuffer(size)
	if err != nil {
		return false, errors.Wrap(err, "allocating inline staging")
	}
	copy(staging.Mapped, data)
	copies := []gpu.BufferCopy{{SrcOffset: staging.Offset, DstOffset: b.offset(dest), Size: size}}
	return true, c.runtime.CopyBuffer(b.host, staging.Buffer, copies, true)
}

// DMACopy copies amount bytes between two GPU addresses on the device. GPU
// writes pending in the source become pending in the destination. It
// returns false when neither range is cached and the caller should copy
// guest memory itself.
func (c *Cache) DMACopy(srcAddr, dstAddr, amount uint64) (bool, error) {
	ch, err := c.channel()
	if err != nil {
		return false, err
	}
	if amount == 0 || amount > math.MaxUint32 {
		c.log.WithField("amount", amount).Warn("dma copy size out of range")
		return false, nil
	}
	cpuSrc, okSrc := ch.gpuMemory.GpuToCpuAddress(srcAddr)
	cpuDst, okDst := ch.gpuMemory.GpuToCpuAddress(dstAddr)
	if !okSrc || !okDst {
		c.log.WithFields(logrus.Fields{"src": srcAddr, "dst": dstAddr}).Warn("dma copy on unmapped address")
		return false, nil
	}
	if !c.IsRegionRegistered(cpuSrc, amount) && !c.IsRegionRegistered(cpuDst, amount) {
		return false, nil
	}

	c.clearDownload(cpuDst, cpuDst+amount)
	var srcID, dstID BufferID
	err = c.resolveLoop("dma copy", func() error {
		var err error
		if srcID, err = c.findBuffer(cpuSrc, uint32(amount)); err != nil {
			return err
		}
		dstID, err = c.findBuffer(cpuDst, uint32(amount))
		return err
	})
	if err != nil {
		return false, err
	}
	src, dst := c.slots.get(srcID), c.slots.get(dstID)
	if _, err := c.synchronizeBuffer(src, cpuSrc, uint32(amount)); err != nil {
		return false, err
	}
	if _, err := c.synchronizeBuffer(dst, cpuDst, uint32(amount)); err != nil {
		return false, err
	}

	var mirrored []interval.Span
	c.commonRanges.ForEachInRange(cpuSrc, cpuSrc+amount, func(start, end uint64) {
		base := cpuDst + (start - cpuSrc)
		mirrored = append(mirrored, interval.Span{Start: base, End: base + end - start})
		c.uncommittedRanges.Add(base, base+end-start)
	})
	// Subtract before adding so overlapping copies keep the mirrored ranges.
	c.commonRanges.Subtract(cpuDst, cpuDst+amount)
	for _, sp := range mirrored {
		c.commonRanges.Add(sp.Start, sp.End)
	}

	copies := []gpu.BufferCopy{{SrcOffset: src.offset(cpuSrc), DstOffset: dst.offset(cpuDst), Size: amount}}
	if err := c.runtime.CopyBuffer(dst.host, src.host, copies, true); err != nil {
		return false, errors.Wrap(err, "dma copy")
	}
	if len(mirrored) > 0 {
		c.tracker.MarkRegionAsGpuModified(cpuDst, amount)
	}

	tmp := make([]byte, amount)
	c.guest.ReadBlock(cpuSrc, tmp)
	c.guest.WriteBlock(cpuDst, tmp)
	return true, nil
}

// DMAClear fills amount 32-bit words at dstAddr with value on the device.
// The cleared range becomes GPU-written.
func (c *Cache) DMAClear(dstAddr, amount uint64, value uint32) (bool, error) {
	ch, err := c.channel()
	if err != nil {
		return false, err
	}
	cpuDst, ok := ch.gpuMemory.GpuToCpuAddress(dstAddr)
	if !ok {
		c.log.WithField("dst", dstAddr).Warn("dma clear on unmapped address")
		return false, nil
	}
	if amount == 0 || amount > math.MaxUint32/4 {
		c.log.WithField("amount", amount).Warn("dma clear size out of range")
		return false, nil
	}
	size := amount * 4
	if !c.IsRegionRegistered(cpuDst, size) {
		return false, nil
	}

	c.clearDownload(cpuDst, cpuDst+size)
	c.commonRanges.Subtract(cpuDst, cpuDst+size)
	id, err := c.findBuffer(cpuDst, uint32(size))
	if err != nil {
		return false, err
	}
	b := c.slots.get(id)
	if _, err := c.synchronizeBuffer(b, cpuDst, uint32(size)); err != nil {
		return false, err
	}
	if err := c.runtime.ClearBuffer(b.host, b.offset(cpuDst), size, value); err != nil {
		return false, errors.Wrap(err, "dma clear")
	}
	c.markWrittenBuffer(cpuDst, size)
	return true, nil
}

// ObtainBuffer returns the host buffer and offset backing size bytes at the
// GPU address gpuAddr. Unmapped addresses return the null buffer.
func (c *Cache) ObtainBuffer(gpuAddr uint64, size uint32, sync ObtainSynchronize, op ObtainOperation) (gpu.Buffer, uint64, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, 0, err
	}
	cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(gpuAddr)
	if !ok {
		return c.slots.get(NullBufferID).host, 0, nil
	}
	return c.ObtainCPUBuffer(cpuAddr, size, sync, op)
}

// ObtainCPUBuffer is ObtainBuffer for a guest address.
func (c *Cache) ObtainCPUBuffer(cpuAddr uint64, size uint32, sync ObtainSynchronize, op ObtainOperation) (gpu.Buffer, uint64, error) {
	id, err := c.findBuffer(cpuAddr, size)
	if err != nil {
		return nil, 0, err
	}
	b := c.slots.get(id)
	c.touch(id)

	switch sync {
	case ObtainFullSynchronize:
		_, err = c.synchronizeBuffer(b, cpuAddr, size)
	case ObtainSynchronizeNoDirty:
		_, err = c.synchronizeBufferNoModified(b, cpuAddr, size)
	}
	if err != nil {
		return nil, 0, err
	}

	switch op {
	case ObtainMarkAsWritten:
		c.markWrittenBuffer(cpuAddr, uint64(size))
	case ObtainDiscardWrite:
		start := cpuAddr &^ (downloadAlignment - 1)
		end := alignUp(cpuAddr+uint64(size), downloadAlignment)
		c.clearDownload(start, end)
		c.commonRanges.Subtract(start, end)
	}
	return b.host, b.offset(cpuAddr), nil
}
