package buffercache

import (
	"github.com/cockroachdb/errors"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/interval"
)

// SynchronizeBuffer uploads the CPU-modified bytes of [addr, addr+size) into
// id. It reports true when the range was already up to date.
func (c *Cache) SynchronizeBuffer(id BufferID, addr uint64, size uint32) (bool, error) {
	return c.synchronizeBuffer(c.bufferOf(id), addr, size)
}

func (c *Cache) synchronizeBuffer(b *buffer, addr uint64, size uint32) (bool, error) {
	if b.size == 0 {
		return true, nil
	}
	var (
		copies  []gpu.BufferCopy
		total   uint64
		largest uint64
	)
	c.tracker.ForEachUploadRange(addr, uint64(size), true, func(start, rangeSize uint64) {
		copies = append(copies, gpu.BufferCopy{
			SrcOffset: total,
			DstOffset: start - b.cpuAddr,
			Size:      rangeSize,
		})
		total += rangeSize
		largest = max(largest, rangeSize)
	})
	if total == 0 {
		c.stats.SyncHits++
		return true, nil
	}
	c.stats.SyncMisses++
	return false, c.uploadMemory(b, total, largest, copies)
}

// SynchronizeBufferNoModified is SynchronizeBuffer that leaves bytes holding
// undownloaded GPU writes untouched.
func (c *Cache) SynchronizeBufferNoModified(id BufferID, addr uint64, size uint32) (bool, error) {
	return c.synchronizeBufferNoModified(c.bufferOf(id), addr, size)
}

func (c *Cache) synchronizeBufferNoModified(b *buffer, addr uint64, size uint32) (bool, error) {
	if b.size == 0 {
		return true, nil
	}
	var found interval.Set
	c.tracker.ForEachUploadRange(addr, uint64(size), true, func(start, rangeSize uint64) {
		found.Add(start, start+rangeSize)
	})
	if found.Empty() {
		c.stats.SyncHits++
		return true, nil
	}
	c.stats.SyncMisses++
	c.commonRanges.ForEachInRange(addr, addr+uint64(size), found.Subtract)

	var (
		copies  []gpu.BufferCopy
		total   uint64
		largest uint64
	)
	found.ForEach(func(start, end uint64) {
		copies = append(copies, gpu.BufferCopy{
			SrcOffset: total,
			DstOffset: start - b.cpuAddr,
			Size:      end - start,
		})
		total += end - start
		largest = max(largest, end-start)
	})
	if total == 0 {
		return false, nil
	}
	return false, c.uploadMemory(b, total, largest, copies)
}

func (c *Cache) uploadMemory(b *buffer, total, largest uint64, copies []gpu.BufferCopy) error {
	c.recordUpload(total)
	if c.caps.MappedUploads {
		return c.mappedUploadMemory(b, total, copies)
	}
	return c.immediateUploadMemory(b, largest, copies)
}

func (c *Cache) immediateUploadMemory(b *buffer, largest uint64, copies []gpu.BufferCopy) error {
	for _, cp := range copies {
		addr := b.cpuAddr + cp.DstOffset
		var data []byte
		if ptr := c.guest.GetPointer(addr); uint64(len(ptr)) >= cp.Size {
			data = ptr[:cp.Size]
		} else {
			data = c.scratchBuffer(largest)[:cp.Size]
			c.guest.ReadBlock(addr, data)
		}
		if err := c.runtime.ImmediateUpload(b.host, cp.DstOffset, data); err != nil {
			return errors.Wrapf(err, "uploading %#x bytes at %#x", cp.Size, addr)
		}
	}
	return nil
}

func (c *Cache) mappedUploadMemory(b *buffer, total uint64, copies []gpu.BufferCopy) error {
	staging, err := c.runtime.UploadStagingBuffer(total)
	if err != nil {
		return errors.Wrap(err, "allocating upload staging")
	}
	for i := range copies {
		cp := &copies[i]
		c.guest.ReadBlock(b.cpuAddr+cp.DstOffset, staging.Mapped[cp.SrcOffset:cp.SrcOffset+cp.Size])
		cp.SrcOffset += staging.Offset
	}
	return errors.Wrap(c.runtime.CopyBuffer(b.host, staging.Buffer, copies, true), "copying upload staging")
}

// DownloadBufferMemory writes the GPU-modified bytes of id inside
// [addr, addr+size) back to guest memory.
func (c *Cache) DownloadBufferMemory(id BufferID, addr, size uint64) error {
	return c.downloadBufferMemory(c.bufferOf(id), addr, size)
}

func (c *Cache) downloadBufferMemory(b *buffer, addr, size uint64) error {
	start, end := max(addr, b.cpuAddr), min(addr+size, b.end())
	if start >= end {
		return nil
	}
	var (
		copies  []gpu.BufferCopy
		total   uint64
		largest uint64
	)
	c.tracker.ForEachDownloadRange(start, end-start, true, func(rangeStart, rangeSize uint64) {
		rangeEnd := rangeStart + rangeSize
		c.commonRanges.ForEachInRange(rangeStart, rangeEnd, func(s, e uint64) {
			copies = append(copies, gpu.BufferCopy{
				SrcOffset: s - b.cpuAddr,
				DstOffset: total,
				Size:      e - s,
			})
			total += alignUp(e-s, downloadAlignment)
			largest = max(largest, e-s)
		})
		c.clearDownload(rangeStart, rangeEnd)
		c.commonRanges.Subtract(rangeStart, rangeEnd)
	})
	if total == 0 {
		return nil
	}
	c.stats.Downloads++
	c.stats.DownloadBytes += int64(total)

	if c.caps.MemoryMaps {
		return c.mappedDownload(b.host, total, copies, func(i int) uint64 { return b.cpuAddr + copies[i].SrcOffset })
	}
	scratch := c.scratchBuffer(largest)
	for _, cp := range copies {
		data := scratch[:cp.Size]
		if err := c.runtime.ImmediateDownload(b.host, cp.SrcOffset, data); err != nil {
			return errors.Wrapf(err, "reading back %#x bytes", cp.Size)
		}
		c.guest.WriteBlock(b.cpuAddr+cp.SrcOffset, data)
	}
	return nil
}

// mappedDownload copies from src into staging memory, waits for the device
// and writes every copy back to the guest address guestAddr(i).
func (c *Cache) mappedDownload(src gpu.Buffer, total uint64, copies []gpu.BufferCopy, guestAddr func(i int) uint64) error {
	staging, err := c.runtime.DownloadStagingBuffer(total, false)
	if err != nil {
		return errors.Wrap(err, "allocating download staging")
	}
	for i := range copies {
		copies[i].DstOffset += staging.Offset
	}
	if err := c.runtime.CopyBuffer(staging.Buffer, src, copies, true); err != nil {
		return errors.Wrap(err, "copying to download staging")
	}
	if err := c.runtime.Finish(); err != nil {
		return errors.Wrap(err, "waiting for download")
	}
	for i, cp := range copies {
		off := cp.DstOffset - staging.Offset
		c.guest.WriteBlock(guestAddr(i), staging.Mapped[off:off+cp.Size])
	}
	return nil
}
