package buffercache

import (
	"math"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
)

// UpdateGraphicsBuffers resolves every graphics binding to a buffer, retrying
// until no resolution deletes a buffer another binding already used.
func (c *Cache) UpdateGraphicsBuffers(isIndexed bool) error {
	if _, err := c.channel(); err != nil {
		return err
	}
	return c.resolveLoop("graphics buffer update", func() error {
		return c.doUpdateGraphicsBuffers(isIndexed)
	})
}

// UpdateComputeBuffers resolves every compute binding.
func (c *Cache) UpdateComputeBuffers() error {
	if _, err := c.channel(); err != nil {
		return err
	}
	return c.resolveLoop("compute buffer update", c.doUpdateComputeBuffers)
}

func (c *Cache) doUpdateGraphicsBuffers(isIndexed bool) error {
	if isIndexed {
		if err := c.updateIndexBuffer(); err != nil {
			return err
		}
	}
	if err := c.updateVertexBuffers(); err != nil {
		return err
	}
	if err := c.updateTransformFeedbackBuffers(); err != nil {
		return err
	}
	if c.ch.drawIndirect != nil {
		if err := c.updateDrawIndirect(); err != nil {
			return err
		}
	}
	for stage := 0; stage < NumStages; stage++ {
		if err := c.updateUniformBuffers(stage); err != nil {
			return err
		}
		if err := c.updateStorageBuffers(stage); err != nil {
			return err
		}
		if err := c.updateTextureBuffers(stage); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) doUpdateComputeBuffers() error {
	if err := c.updateComputeUniformBuffers(); err != nil {
		return err
	}
	if err := c.updateComputeStorageBuffers(); err != nil {
		return err
	}
	return c.updateComputeTextureBuffers()
}

func (c *Cache) updateIndexBuffer() error {
	ch := c.ch
	g := ch.graphics
	ia := g.Index
	// The count can change without the dirty flag.
	if !g.Dirty.Test(engine.IndexBuffer) && ch.lastIndexCount == ia.Count {
		return nil
	}
	g.Dirty.Clear(engine.IndexBuffer)
	ch.lastIndexCount = ia.Count

	cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(ia.StartAddress)
	var addressSize uint64
	if ia.EndAddress > ia.StartAddress {
		addressSize = ia.EndAddress - ia.StartAddress
	}
	if !ch.gpuMemory.IsWithinGPUAddressRange(ia.EndAddress) {
		addressSize = ch.gpuMemory.MaxContinuousRange(ia.StartAddress, addressSize)
	}
	drawSize := uint64(ia.Count+ia.First) * uint64(ia.FormatSize)
	size := min(addressSize, drawSize)
	if size == 0 || !ok {
		ch.indexBuffer = NullBinding
		return nil
	}
	id, err := c.findBuffer(cpuAddr, uint32(size))
	if err != nil {
		g.Dirty.Set(engine.IndexBuffer)
		return err
	}
	ch.indexBuffer = Binding{CPUAddr: cpuAddr, Size: uint32(size), BufferID: id}
	return nil
}

func (c *Cache) updateVertexBuffers() error {
	g := c.ch.graphics
	if !g.Dirty.Test(engine.VertexBuffers) {
		return nil
	}
	g.Dirty.Clear(engine.VertexBuffers)
	for index := 0; index < NumVertexBuffers; index++ {
		if err := c.updateVertexBuffer(index); err != nil {
			g.Dirty.Set(engine.VertexBuffers)
			return err
		}
	}
	return nil
}

// updateVertexBuffer resolves one stream. Its dirty flag stays set until the
// host binding is issued.
func (c *Cache) updateVertexBuffer(index int) error {
	ch := c.ch
	if !ch.graphics.Dirty.Test(engine.VertexBuffer(index)) {
		return nil
	}
	vs := ch.graphics.Vertex[index]
	cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(vs.Address)
	var addressSize uint64
	if vs.Limit > vs.Address {
		addressSize = min(vs.Limit-vs.Address, math.MaxUint32)
	}
	if !vs.Enable || addressSize == 0 || !ok {
		ch.vertexBuffers[index] = NullBinding
		return nil
	}
	if !ch.gpuMemory.IsWithinGPUAddressRange(vs.Limit) {
		addressSize = ch.gpuMemory.MaxContinuousRange(vs.Address, addressSize)
	}
	id, err := c.findBuffer(cpuAddr, uint32(addressSize))
	if err != nil {
		return err
	}
	ch.vertexBuffers[index] = Binding{CPUAddr: cpuAddr, Size: uint32(addressSize), BufferID: id}
	return nil
}

func (c *Cache) updateTransformFeedbackBuffers() error {
	ch := c.ch
	if !ch.graphics.TransformFeedbackEnable {
		return nil
	}
	for index := 0; index < NumTransformFeedbackBuffers; index++ {
		tf := ch.graphics.TransformFeedback[index]
		cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(tf.Address + uint64(tf.Offset))
		if !tf.Enable || tf.Size == 0 || !ok {
			ch.transformFeedbackBuffers[index] = NullBinding
			continue
		}
		id, err := c.findBuffer(cpuAddr, tf.Size)
		if err != nil {
			return err
		}
		ch.transformFeedbackBuffers[index] = Binding{CPUAddr: cpuAddr, Size: tf.Size, BufferID: id}
	}
	return nil
}

func (c *Cache) updateDrawIndirect() error {
	ch := c.ch
	update := func(gpuAddr, size uint64, binding *Binding) error {
		cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(gpuAddr)
		if !ok {
			*binding = NullBinding
			return nil
		}
		id, err := c.findBuffer(cpuAddr, uint32(size))
		if err != nil {
			return err
		}
		*binding = Binding{CPUAddr: cpuAddr, Size: uint32(size), BufferID: id}
		return nil
	}
	di := ch.drawIndirect
	if di.IncludeCount {
		if err := update(di.CountAddress, 4, &ch.countBufferBinding); err != nil {
			return err
		}
	}
	return update(di.BufferAddress, di.BufferSize, &ch.indirectBufferBinding)
}

func (c *Cache) updateUniformBuffers(stage int) error {
	ch := c.ch
	return forEachEnabledBit(ch.enabledUniformBuffers[stage], func(index int) error {
		binding := &ch.uniformBuffers[stage][index]
		if binding.BufferID != InvalidBufferID {
			return nil
		}
		ch.dirtyUniformBuffers[stage] |= 1 << index
		id, err := c.findBuffer(binding.CPUAddr, binding.Size)
		if err != nil {
			return err
		}
		binding.BufferID = id
		return nil
	})
}

func (c *Cache) updateStorageBuffers(stage int) error {
	ch := c.ch
	written := ch.writtenStorageBuffers[stage]
	return forEachEnabledBit(ch.enabledStorageBuffers[stage], func(index int) error {
		return c.resolveWritable(&ch.storageBuffers[stage][index], written&(1<<index) != 0)
	})
}

func (c *Cache) updateTextureBuffers(stage int) error {
	ch := c.ch
	written := ch.writtenTextureBuffers[stage]
	return forEachEnabledBit(ch.enabledTextureBuffers[stage], func(index int) error {
		return c.resolveWritable(&ch.textureBuffers[stage][index].Binding, written&(1<<index) != 0)
	})
}

// resolveWritable resolves a storage or texture binding and records the
// shader write when the slot is written.
func (c *Cache) resolveWritable(binding *Binding, written bool) error {
	id, err := c.findBuffer(binding.CPUAddr, binding.Size)
	if err != nil {
		return err
	}
	binding.BufferID = id
	if written {
		c.markWrittenBuffer(binding.CPUAddr, uint64(binding.Size))
	}
	return nil
}

func (c *Cache) updateComputeUniformBuffers() error {
	ch := c.ch
	return forEachEnabledBit(ch.enabledComputeUniformBuffers, func(index int) error {
		binding := &ch.computeUniformBuffers[index]
		*binding = NullBinding
		if ch.compute.ConstBufferMask&(1<<index) != 0 {
			cbuf := ch.compute.ConstBuffers[index]
			if cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(cbuf.Address); ok && cbuf.Size != 0 {
				binding.CPUAddr = cpuAddr
				binding.Size = cbuf.Size
			}
		}
		id, err := c.findBuffer(binding.CPUAddr, binding.Size)
		if err != nil {
			return err
		}
		binding.BufferID = id
		return nil
	})
}

func (c *Cache) updateComputeStorageBuffers() error {
	ch := c.ch
	written := ch.writtenComputeStorageBuffers
	return forEachEnabledBit(ch.enabledComputeStorageBuffers, func(index int) error {
		return c.resolveWritable(&ch.computeStorageBuffers[index], written&(1<<index) != 0)
	})
}

func (c *Cache) updateComputeTextureBuffers() error {
	ch := c.ch
	written := ch.writtenComputeTextureBuffers
	return forEachEnabledBit(ch.enabledComputeTextureBuffers, func(index int) error {
		return c.resolveWritable(&ch.computeTextureBuffers[index].Binding, written&(1<<index) != 0)
	})
}
