package buffercache

import (
	"github.com/sirupsen/logrus"
)

// runGarbageCollector deletes buffers unused for a number of frames, oldest
// first, downloading their GPU writes. Each pass is capped; later frames
// continue where it stopped.
func (c *Cache) runGarbageCollector() {
	aggressive := c.totalUsedMemory >= c.criticalMemory
	ticks, iterations := c.params.GCTicks, c.params.GCIterations
	if aggressive {
		ticks, iterations = c.params.GCTicksAggressive, c.params.GCIterationsAggressive
	}
	if c.frameTick < ticks {
		return
	}
	c.stats.GCRuns++

	var victims []BufferID
	c.lru.ForEachItemBelow(c.frameTick-ticks, func(id BufferID) bool {
		if iterations == 0 {
			return true
		}
		iterations--
		victims = append(victims, id)
		return false
	})
	for _, id := range victims {
		if err := c.deleteBuffer(id, false); err != nil {
			c.log.WithError(err).WithField("id", id).Warn("evicted buffer lost GPU writes")
		}
	}
	c.stats.GCEvicted += int64(len(victims))

	if len(victims) > 0 {
		c.log.WithFields(logrus.Fields{
			"evicted":    len(victims),
			"aggressive": aggressive,
			"used":       c.totalUsedMemory,
			"frame":      c.frameTick,
		}).Debug("garbage collected buffers")
	}
}
