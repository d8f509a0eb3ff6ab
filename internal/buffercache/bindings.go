package buffercache

import (
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
)

func forEachEnabledBit(mask uint32, fn func(index int) error) error {
	for mask != 0 {
		index := bits.TrailingZeros32(mask)
		mask &^= 1 << index
		if err := fn(index); err != nil {
			return err
		}
	}
	return nil
}

// BindGraphicsUniformBuffer points a uniform slot at size bytes of gpuAddr.
func (c *Cache) BindGraphicsUniformBuffer(stage, index int, gpuAddr uint64, size uint32) {
	ch := c.ch
	cpuAddr, ok := ch.gpuMemory.GpuToCpuAddress(gpuAddr)
	if !ok {
		ch.uniformBuffers[stage][index] = NullBinding
		return
	}
	ch.uniformBuffers[stage][index] = Binding{CPUAddr: cpuAddr, Size: size, BufferID: InvalidBufferID}
}

func (c *Cache) DisableGraphicsUniformBuffer(stage, index int) {
	c.ch.uniformBuffers[stage][index] = NullBinding
}

// SetUniformBuffersState sets the uniform slots each stage uses and their
// declared sizes. sizes may be nil to use the bound sizes.
func (c *Cache) SetUniformBuffersState(mask [NumStages]uint32, sizes *UniformBufferSizes) {
	ch := c.ch
	if ch.enabledUniformBuffers != mask {
		ch.fastBoundUniformBuffers = [NumStages]uint32{}
		for s := range ch.dirtyUniformBuffers {
			ch.dirtyUniformBuffers[s] = ^uint32(0)
		}
		ch.uniformBufferBindingSizes = [NumStages][NumGraphicsUniformBuffers]uint32{}
	}
	ch.enabledUniformBuffers = mask
	ch.uniformBufferSizes = sizes
}

func (c *Cache) SetComputeUniformBufferState(mask uint32, sizes *ComputeUniformBufferSizes) {
	c.ch.enabledComputeUniformBuffers = mask
	c.ch.computeUniformBufferSizes = sizes
}

func (c *Cache) UnbindGraphicsStorageBuffers(stage int) {
	c.ch.enabledStorageBuffers[stage] = 0
	c.ch.writtenStorageBuffers[stage] = 0
}

// BindGraphicsStorageBuffer binds the storage buffer whose descriptor lives
// at cbufOffset of the stage's constant buffer cbufIndex.
func (c *Cache) BindGraphicsStorageBuffer(stage, ssboIndex, cbufIndex int, cbufOffset uint32, written bool) {
	ch := c.ch
	ch.enabledStorageBuffers[stage] |= 1 << ssboIndex
	if written {
		ch.writtenStorageBuffers[stage] |= 1 << ssboIndex
	}
	cbuf := ch.graphics.ConstBuffers[stage][cbufIndex]
	ch.storageBuffers[stage][ssboIndex] = c.storageBufferBinding(cbuf.Address+uint64(cbufOffset), cbufIndex, written)
}

func (c *Cache) UnbindGraphicsTextureBuffers(stage int) {
	c.ch.enabledTextureBuffers[stage] = 0
	c.ch.writtenTextureBuffers[stage] = 0
}

func (c *Cache) BindGraphicsTextureBuffer(stage, tboIndex int, gpuAddr uint64, size, format uint32, written bool) {
	ch := c.ch
	ch.enabledTextureBuffers[stage] |= 1 << tboIndex
	if written {
		ch.writtenTextureBuffers[stage] |= 1 << tboIndex
	}
	ch.textureBuffers[stage][tboIndex] = c.textureBufferBinding(gpuAddr, size, format)
}

func (c *Cache) UnbindComputeStorageBuffers() {
	c.ch.enabledComputeStorageBuffers = 0
	c.ch.writtenComputeStorageBuffers = 0
}

// BindComputeStorageBuffer is BindGraphicsStorageBuffer for the compute
// launch constant buffers. Disabled constant buffers are ignored.
func (c *Cache) BindComputeStorageBuffer(ssboIndex, cbufIndex int, cbufOffset uint32, written bool) {
	ch := c.ch
	if ch.compute.ConstBufferMask&(1<<cbufIndex) == 0 {
		c.log.WithField("cbuf", cbufIndex).Warn("storage buffer descriptor in disabled constant buffer")
		return
	}
	ch.enabledComputeStorageBuffers |= 1 << ssboIndex
	if written {
		ch.writtenComputeStorageBuffers |= 1 << ssboIndex
	}
	cbuf := ch.compute.ConstBuffers[cbufIndex]
	ch.computeStorageBuffers[ssboIndex] = c.storageBufferBinding(cbuf.Address+uint64(cbufOffset), cbufIndex, written)
}

func (c *Cache) UnbindComputeTextureBuffers() {
	c.ch.enabledComputeTextureBuffers = 0
	c.ch.writtenComputeTextureBuffers = 0
}

func (c *Cache) BindComputeTextureBuffer(tboIndex int, gpuAddr uint64, size, format uint32, written bool) {
	ch := c.ch
	ch.enabledComputeTextureBuffers |= 1 << tboIndex
	if written {
		ch.writtenComputeTextureBuffers |= 1 << tboIndex
	}
	ch.computeTextureBuffers[tboIndex] = c.textureBufferBinding(gpuAddr, size, format)
}

// SetDrawIndirect selects the indirect draw arguments of the next draw, or
// nil for a direct draw.
func (c *Cache) SetDrawIndirect(di *engine.DrawIndirect) {
	c.ch.drawIndirect = di
}

// storageBufferBinding decodes the storage buffer descriptor at ssboAddr. The
// driver constant buffer stores the size after the address; other buffers
// fall back to the mapped size.
func (c *Cache) storageBufferBinding(ssboAddr uint64, cbufIndex int, written bool) Binding {
	gm := c.ch.gpuMemory
	gpuAddr := gm.Read64(ssboAddr)
	var size uint64
	if cbufIndex == 0 {
		size = uint64(gm.Read32(ssboAddr + 8))
	}
	if size == 0 {
		size = gm.MemoryLayoutSize(gpuAddr, uint64(c.params.MaxStorageSize))
	}
	size = min(size, uint64(c.params.MaxStorageSize))

	cpuAddr, ok := gm.GpuToCpuAddress(gpuAddr)
	if !ok || size == 0 {
		c.log.WithFields(logrus.Fields{"gpu_addr": gpuAddr, "size": size}).Warn("unable to find storage buffer")
		return NullBinding
	}
	if !written {
		// Reads may run past the declared size; cover the rest of the page.
		size = alignUp(cpuAddr+size, memory.GuestPageSize) - cpuAddr
	}
	return Binding{CPUAddr: cpuAddr, Size: uint32(size), BufferID: InvalidBufferID}
}

func (c *Cache) textureBufferBinding(gpuAddr uint64, size, format uint32) TextureBufferBinding {
	cpuAddr, ok := c.ch.gpuMemory.GpuToCpuAddress(gpuAddr)
	if !ok || size == 0 {
		return TextureBufferBinding{Binding: NullBinding}
	}
	return TextureBufferBinding{
		Binding: Binding{CPUAddr: cpuAddr, Size: size, BufferID: InvalidBufferID},
		Format:  format,
	}
}
