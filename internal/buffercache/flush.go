package buffercache

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

// clearRefCount is large enough to drop every outstanding async reference.
const clearRefCount = 1024

// MarkWrittenBuffer records a GPU write to [addr, addr+size).
func (c *Cache) MarkWrittenBuffer(addr, size uint64) {
	c.markWrittenBuffer(addr, size)
}

func (c *Cache) markWrittenBuffer(addr, size uint64) {
	if size == 0 {
		return
	}
	c.tracker.MarkRegionAsGpuModified(addr, size)
	c.commonRanges.Add(addr, addr+size)
	c.uncommittedRanges.Add(addr, addr+size)
}

// clearDownload forgets any pending download of [start, end).
func (c *Cache) clearDownload(start, end uint64) {
	c.asyncDownloads.Remove(start, end, clearRefCount)
	c.uncommittedRanges.Subtract(start, end)
	for _, set := range c.committedRanges {
		set.Subtract(start, end)
	}
}

// AccumulateFlushes closes the current generation of GPU writes.
func (c *Cache) AccumulateFlushes() {
	if c.uncommittedRanges.Empty() {
		return
	}
	c.committedRanges = append(c.committedRanges, c.uncommittedRanges.Clone())
	c.uncommittedRanges.Clear()
}

// HasUncommittedFlushes reports whether GPU writes are waiting to be
// committed.
func (c *Cache) HasUncommittedFlushes() bool {
	return !c.uncommittedRanges.Empty() || len(c.committedRanges) > 0
}

// ShouldWaitAsyncFlushes reports whether the oldest commit has a download in
// flight.
func (c *Cache) ShouldWaitAsyncFlushes() bool {
	return len(c.asyncBuffers) > 0 && c.asyncBuffers[0] != nil
}

// CommitAsyncFlushes starts downloading every committed generation.
func (c *Cache) CommitAsyncFlushes() error {
	return c.CommitAsyncFlushesHigh()
}

type pendingDownload struct {
	copy gpu.BufferCopy
	buf  *buffer
}

// CommitAsyncFlushesHigh batches every committed generation into one
// download. Older generations lose the bytes newer ones cover so the newest
// data reaches guest memory last. Without async support the download
// completes before returning.
func (c *Cache) CommitAsyncFlushesHigh() error {
	c.AccumulateFlushes()
	async := c.caps.AsyncDownloads
	if len(c.committedRanges) == 0 {
		if async {
			c.asyncBuffers = append(c.asyncBuffers, nil)
		}
		return nil
	}

	for i, current := range c.committedRanges {
		for _, newer := range c.committedRanges[i+1:] {
			current.SubtractSet(newer)
		}
	}

	var (
		downloads []pendingDownload
		total     uint64
		largest   uint64
	)
	for _, set := range c.committedRanges {
		set.ForEach(func(start, end uint64) {
			c.forEachBufferInRange(start, end-start, func(_ BufferID, b *buffer) {
				newStart, newEnd := max(b.cpuAddr, start), min(b.end(), end)
				c.tracker.ForEachDownloadRange(newStart, newEnd-newStart, false, func(rangeStart, rangeSize uint64) {
					c.commonRanges.ForEachInRange(rangeStart, rangeStart+rangeSize, func(s, e uint64) {
						downloads = append(downloads, pendingDownload{
							copy: gpu.BufferCopy{SrcOffset: s - b.cpuAddr, DstOffset: total, Size: e - s},
							buf:  b,
						})
						total += alignUp(e-s, downloadAlignment)
						largest = max(largest, e-s)
					})
				})
			})
		})
	}
	c.committedRanges = c.committedRanges[:0]
	c.stats.AsyncCommits++

	if len(downloads) == 0 {
		if async {
			c.asyncBuffers = append(c.asyncBuffers, nil)
		}
		return nil
	}
	c.log.WithFields(logrus.Fields{
		"copies": len(downloads),
		"bytes":  total,
		"async":  async,
	}).Debug("committing flushes")

	if async {
		return c.commitAsync(downloads, total)
	}
	return c.commitSync(downloads, total, largest)
}

func (c *Cache) commitAsync(downloads []pendingDownload, total uint64) error {
	staging, err := c.runtime.DownloadStagingBuffer(total, true)
	if err != nil {
		return errors.Wrap(err, "allocating async download staging")
	}
	normalized := make([]gpu.BufferCopy, 0, len(downloads))
	for _, d := range downloads {
		cp := d.copy
		cp.DstOffset += staging.Offset
		if err := c.runtime.CopyBuffer(staging.Buffer, d.buf.host, []gpu.BufferCopy{cp}, false); err != nil {
			c.runtime.FreeDeferredStagingBuffer(staging)
			return errors.Wrap(err, "copying to async staging")
		}
		cp.SrcOffset = d.buf.cpuAddr + d.copy.SrcOffset
		normalized = append(normalized, cp)
	}
	for _, cp := range normalized {
		c.asyncDownloads.Add(cp.SrcOffset, cp.SrcOffset+cp.Size, 1)
	}
	c.asyncBuffers = append(c.asyncBuffers, &asyncBuffer{staging: staging, copies: normalized})
	return nil
}

func (c *Cache) commitSync(downloads []pendingDownload, total, largest uint64) error {
	if c.caps.MemoryMaps {
		// Copies may come from different buffers so each is issued alone.
		staging, err := c.runtime.DownloadStagingBuffer(total, false)
		if err != nil {
			return errors.Wrap(err, "allocating download staging")
		}
		for _, d := range downloads {
			cp := d.copy
			cp.DstOffset += staging.Offset
			if err := c.runtime.CopyBuffer(staging.Buffer, d.buf.host, []gpu.BufferCopy{cp}, false); err != nil {
				return errors.Wrap(err, "copying to download staging")
			}
		}
		if err := c.runtime.Finish(); err != nil {
			return errors.Wrap(err, "waiting for download")
		}
		for _, d := range downloads {
			addr := d.buf.cpuAddr + d.copy.SrcOffset
			c.guest.WriteBlock(addr, staging.Mapped[d.copy.DstOffset:d.copy.DstOffset+d.copy.Size])
			c.commonRanges.Subtract(addr, addr+d.copy.Size)
		}
		return nil
	}

	scratch := c.scratchBuffer(largest)
	for _, d := range downloads {
		data := scratch[:d.copy.Size]
		if err := c.runtime.ImmediateDownload(d.buf.host, d.copy.SrcOffset, data); err != nil {
			return errors.Wrap(err, "reading back flush")
		}
		addr := d.buf.cpuAddr + d.copy.SrcOffset
		c.guest.WriteBlock(addr, data)
		c.commonRanges.Subtract(addr, addr+d.copy.Size)
	}
	return nil
}

// PopAsyncFlushes writes the oldest committed download back to guest memory.
// Bytes rewritten by the CPU since the commit are skipped. A byte stops being
// GPU-visible only when its last pending download is popped.
func (c *Cache) PopAsyncFlushes() {
	if len(c.asyncBuffers) == 0 {
		return
	}
	front := c.asyncBuffers[0]
	c.asyncBuffers[0] = nil
	c.asyncBuffers = c.asyncBuffers[1:]
	if front == nil {
		return
	}

	base := front.staging.Offset
	for _, cp := range front.copies {
		addr := cp.SrcOffset
		mapped := front.staging.Mapped[cp.DstOffset-base : cp.DstOffset-base+cp.Size]
		c.asyncDownloads.ForEachInRange(addr, addr+cp.Size, func(start, end uint64, count int) {
			c.guest.WriteBlock(start, mapped[start-addr:end-addr])
			if count == 1 {
				c.commonRanges.Subtract(start, end)
			}
		})
		c.asyncDownloads.Remove(addr, addr+cp.Size, 1)
	}
	c.asyncDeathRing = append(c.asyncDeathRing, front.staging)
	c.stats.AsyncPops++
}

// waitOnAsyncFlushes drains the async queue when a download of
// [addr, addr+size) is still pending.
func (c *Cache) waitOnAsyncFlushes(addr, size uint64) error {
	mustWait := false
	c.asyncDownloads.ForEachInRange(addr, addr+size, func(uint64, uint64, int) {
		mustWait = true
	})
	if !mustWait {
		return nil
	}
	if err := c.runtime.Finish(); err != nil {
		return errors.Wrap(err, "waiting for async downloads")
	}
	for len(c.asyncBuffers) > 0 {
		c.PopAsyncFlushes()
	}
	return nil
}
