package buffercache

import (
	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

// BindHostGeometryBuffers uploads and binds the index, vertex, transform
// feedback and indirect buffers of the next draw.
func (c *Cache) BindHostGeometryBuffers(isIndexed bool) error {
	if _, err := c.channel(); err != nil {
		return err
	}
	if isIndexed {
		if err := c.bindHostIndexBuffer(); err != nil {
			return err
		}
	}
	if err := c.bindHostVertexBuffers(); err != nil {
		return err
	}
	if err := c.bindHostTransformFeedbackBuffers(); err != nil {
		return err
	}
	if c.ch.drawIndirect != nil {
		return c.bindHostDrawIndirectBuffers()
	}
	return nil
}

// BindHostStageBuffers uploads and binds the uniform, storage and texture
// buffers of one graphics stage.
func (c *Cache) BindHostStageBuffers(stage int) error {
	if _, err := c.channel(); err != nil {
		return err
	}
	if err := c.bindHostGraphicsUniformBuffers(stage); err != nil {
		return err
	}
	if err := c.bindHostGraphicsStorageBuffers(stage); err != nil {
		return err
	}
	return c.bindHostGraphicsTextureBuffers(stage)
}

// BindHostComputeBuffers uploads and binds every compute binding.
func (c *Cache) BindHostComputeBuffers() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	// Compute dispatches clobber the graphics uniform bindings.
	for s := range ch.dirtyUniformBuffers {
		ch.dirtyUniformBuffers[s] = ^uint32(0)
	}
	ch.fastBoundUniformBuffers = [NumStages]uint32{}

	err = forEachEnabledBit(ch.enabledComputeUniformBuffers, func(index int) error {
		binding := ch.computeUniformBuffers[index]
		size := binding.Size
		if ch.computeUniformBufferSizes != nil {
			size = min(size, ch.computeUniformBufferSizes[index])
		}
		b, err := c.syncBinding(binding, size)
		if err != nil {
			return err
		}
		c.runtime.BindUniformBuffer(gpu.ComputeStage, index, b.host, b.offset(binding.CPUAddr), uint64(size))
		return nil
	})
	if err != nil {
		return err
	}

	err = forEachEnabledBit(ch.enabledComputeStorageBuffers, func(index int) error {
		binding := ch.computeStorageBuffers[index]
		b, err := c.syncBinding(binding, binding.Size)
		if err != nil {
			return err
		}
		written := ch.writtenComputeStorageBuffers&(1<<index) != 0
		c.runtime.BindStorageBuffer(gpu.ComputeStage, index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size), written)
		return nil
	})
	if err != nil {
		return err
	}

	return forEachEnabledBit(ch.enabledComputeTextureBuffers, func(index int) error {
		binding := ch.computeTextureBuffers[index]
		b, err := c.syncBinding(binding.Binding, binding.Size)
		if err != nil {
			return err
		}
		c.runtime.BindTextureBuffer(gpu.ComputeStage, index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size), binding.Format)
		return nil
	})
}

// syncBinding touches and uploads the buffer behind binding.
func (c *Cache) syncBinding(binding Binding, size uint32) (*buffer, error) {
	b := c.bufferOf(binding.BufferID)
	c.touch(binding.BufferID)
	if _, err := c.synchronizeBuffer(b, binding.CPUAddr, size); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Cache) bindHostIndexBuffer() error {
	ch := c.ch
	binding := ch.indexBuffer
	b, err := c.syncBinding(binding, binding.Size)
	if err != nil {
		return err
	}
	ia := ch.graphics.Index
	skip := uint64(ia.First) * uint64(ia.FormatSize)
	size := uint64(binding.Size) - min(skip, uint64(binding.Size))
	c.runtime.BindIndexBuffer(b.host, b.offset(binding.CPUAddr)+skip, size, ia.FormatSize)
	return nil
}

func (c *Cache) bindHostVertexBuffers() error {
	ch := c.ch
	g := ch.graphics
	for index := 0; index < NumVertexBuffers; index++ {
		binding := ch.vertexBuffers[index]
		b, err := c.syncBinding(binding, binding.Size)
		if err != nil {
			return err
		}
		if !g.Dirty.Test(engine.VertexBuffer(index)) {
			continue
		}
		g.Dirty.Clear(engine.VertexBuffer(index))
		c.runtime.BindVertexBuffer(index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size), g.Vertex[index].Stride)
	}
	return nil
}

func (c *Cache) bindHostTransformFeedbackBuffers() error {
	ch := c.ch
	if !ch.graphics.TransformFeedbackEnable {
		return nil
	}
	for index := 0; index < NumTransformFeedbackBuffers; index++ {
		binding := ch.transformFeedbackBuffers[index]
		b, err := c.syncBinding(binding, binding.Size)
		if err != nil {
			return err
		}
		c.markWrittenBuffer(binding.CPUAddr, uint64(binding.Size))
		c.runtime.BindTransformFeedbackBuffer(index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size))
	}
	return nil
}

func (c *Cache) bindHostDrawIndirectBuffers() error {
	ch := c.ch
	if ch.drawIndirect.IncludeCount {
		if _, err := c.syncBinding(ch.countBufferBinding, ch.countBufferBinding.Size); err != nil {
			return err
		}
	}
	_, err := c.syncBinding(ch.indirectBufferBinding, ch.indirectBufferBinding.Size)
	return err
}

// GetDrawIndirectCount returns the buffer and offset holding the draw count.
func (c *Cache) GetDrawIndirectCount() (gpu.Buffer, uint64) {
	b := c.bufferOf(c.ch.countBufferBinding.BufferID)
	return b.host, b.offset(c.ch.countBufferBinding.CPUAddr)
}

// GetDrawIndirectBuffer returns the buffer and offset of the draw arguments.
func (c *Cache) GetDrawIndirectBuffer() (gpu.Buffer, uint64) {
	b := c.bufferOf(c.ch.indirectBufferBinding.BufferID)
	return b.host, b.offset(c.ch.indirectBufferBinding.CPUAddr)
}

func (c *Cache) bindHostGraphicsUniformBuffers(stage int) error {
	ch := c.ch
	dirty := ch.dirtyUniformBuffers[stage]
	ch.dirtyUniformBuffers[stage] = 0
	return forEachEnabledBit(ch.enabledUniformBuffers[stage], func(index int) error {
		return c.bindHostGraphicsUniformBuffer(stage, index, dirty&(1<<index) != 0)
	})
}

// bindHostGraphicsUniformBuffer binds one uniform slot. Small ranges that
// the GPU has not written are pushed inline while the cache hit rate is low;
// everything else goes through the cached buffer.
func (c *Cache) bindHostGraphicsUniformBuffer(stage, index int, needsBind bool) error {
	ch := c.ch
	binding := ch.uniformBuffers[stage][index]
	size := binding.Size
	if ch.uniformBufferSizes != nil {
		size = min(size, ch.uniformBufferSizes[stage][index])
	}
	b := c.bufferOf(binding.BufferID)
	c.touch(binding.BufferID)

	fastBound := ch.fastBoundUniformBuffers[stage]&(1<<index) != 0
	useFast := binding.BufferID != NullBufferID &&
		size <= ch.uniformBufferSkipCacheSize &&
		!c.tracker.IsRegionGpuModified(binding.CPUAddr, uint64(size))
	if useFast {
		if !fastBound || ch.uniformBufferBindingSizes[stage][index] != size {
			ch.fastBoundUniformBuffers[stage] |= 1 << index
			ch.uniformBufferBindingSizes[stage][index] = size
			c.runtime.BindFastUniformBuffer(stage, index, size)
		}
		data := c.scratchBuffer(uint64(size))
		c.guest.ReadBlock(binding.CPUAddr, data)
		c.runtime.PushFastUniformBuffer(stage, index, data)
		c.stats.FastUniformPushes++
		return nil
	}

	upToDate, err := c.synchronizeBuffer(b, binding.CPUAddr, size)
	if err != nil {
		return err
	}
	if upToDate {
		ch.uniformCacheHits[0]++
	}
	ch.uniformCacheShots[0]++

	// A fast binding has to be replaced even when the slot is clean.
	needsBind = needsBind || fastBound || ch.uniformBufferBindingSizes[stage][index] != size
	if !needsBind {
		return nil
	}
	ch.fastBoundUniformBuffers[stage] &^= 1 << index
	ch.uniformBufferBindingSizes[stage][index] = size
	c.runtime.BindUniformBuffer(stage, index, b.host, b.offset(binding.CPUAddr), uint64(size))
	return nil
}

func (c *Cache) bindHostGraphicsStorageBuffers(stage int) error {
	ch := c.ch
	return forEachEnabledBit(ch.enabledStorageBuffers[stage], func(index int) error {
		binding := ch.storageBuffers[stage][index]
		b, err := c.syncBinding(binding, binding.Size)
		if err != nil {
			return err
		}
		written := ch.writtenStorageBuffers[stage]&(1<<index) != 0
		c.runtime.BindStorageBuffer(stage, index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size), written)
		return nil
	})
}

func (c *Cache) bindHostGraphicsTextureBuffers(stage int) error {
	ch := c.ch
	return forEachEnabledBit(ch.enabledTextureBuffers[stage], func(index int) error {
		binding := ch.textureBuffers[stage][index]
		b, err := c.syncBinding(binding.Binding, binding.Size)
		if err != nil {
			return err
		}
		c.runtime.BindTextureBuffer(stage, index, b.host, b.offset(binding.CPUAddr), uint64(binding.Size), binding.Format)
		return nil
	})
}
