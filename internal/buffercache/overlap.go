package buffercache

// overlapResult is the page-aligned range a new buffer must cover and the
// buffers it absorbs.
type overlapResult struct {
	IDs        []BufferID
	Begin      uint64
	End        uint64
	StreamLeap bool
}

// resolveOverlaps grows [addr, addr+size) to include every buffer it touches.
// When the absorbed buffers have been merged often enough the range leaps
// ahead in the direction it keeps growing, so a streaming pattern stops
// reallocating every frame.
func (c *Cache) resolveOverlaps(addr, size uint64) overlapResult {
	if addr == 0 {
		return overlapResult{End: size}
	}
	pageSize := c.pageSize()
	begin, end := c.tracker.AlignOut(addr, size)

	minBegin := 2 * pageSize
	maxEnd := uint64(1) << c.params.AddressBits
	leap := c.params.StreamLeapPages * pageSize

	var res overlapResult
	score := 0
	for cursor := begin; cursor < end; cursor += pageSize {
		id, ok := c.pageTable[cursor>>c.params.PageBits]
		if !ok {
			continue
		}
		b := c.slots.get(id)
		if b.picked {
			continue
		}
		b.picked = true
		res.IDs = append(res.IDs, id)

		expandsLeft := b.cpuAddr < begin
		if expandsLeft {
			begin = b.cpuAddr
		}
		expandsRight := b.end() > end
		if expandsRight {
			end = b.end()
		}

		score += b.streamScore
		if score <= c.params.StreamLeapThreshold || res.StreamLeap {
			continue
		}
		res.StreamLeap = true
		if expandsLeft {
			if end+leap > maxEnd {
				end = max(end, maxEnd)
			} else {
				end += leap
			}
		}
		if expandsRight {
			if begin < minBegin+leap {
				begin = min(begin, minBegin)
			} else {
				begin -= leap
			}
			// Buffers below the old scan position now overlap too.
			cursor = begin - pageSize
		}
	}
	for _, id := range res.IDs {
		c.slots.get(id).picked = false
	}
	res.Begin, res.End = begin, end
	return res
}
