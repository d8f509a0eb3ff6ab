package buffercache

import (
	"github.com/cockroachdb/errors"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/engine"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
)

// uniformWindow is the number of frames the uniform hit ratio is averaged
// over.
const uniformWindow = 16

// channelState is the binding state of one GPU channel.
type channelState struct {
	id        int
	graphics  *engine.Graphics
	compute   *engine.Compute
	gpuMemory memory.GPUMemory

	indexBuffer              Binding
	lastIndexCount           uint32
	vertexBuffers            [NumVertexBuffers]Binding
	transformFeedbackBuffers [NumTransformFeedbackBuffers]Binding
	uniformBuffers           [NumStages][NumGraphicsUniformBuffers]Binding
	storageBuffers           [NumStages][NumStorageBuffers]Binding
	textureBuffers           [NumStages][NumTextureBuffers]TextureBufferBinding
	computeUniformBuffers    [NumComputeUniformBuffers]Binding
	computeStorageBuffers    [NumStorageBuffers]Binding
	computeTextureBuffers    [NumTextureBuffers]TextureBufferBinding
	countBufferBinding       Binding
	indirectBufferBinding    Binding
	drawIndirect             *engine.DrawIndirect

	enabledUniformBuffers        [NumStages]uint32
	enabledComputeUniformBuffers uint32
	uniformBufferSizes           *UniformBufferSizes
	computeUniformBufferSizes    *ComputeUniformBufferSizes

	enabledStorageBuffers        [NumStages]uint32
	writtenStorageBuffers        [NumStages]uint32
	enabledComputeStorageBuffers uint32
	writtenComputeStorageBuffers uint32

	enabledTextureBuffers        [NumStages]uint32
	writtenTextureBuffers        [NumStages]uint32
	enabledComputeTextureBuffers uint32
	writtenComputeTextureBuffers uint32

	fastBoundUniformBuffers   [NumStages]uint32
	dirtyUniformBuffers       [NumStages]uint32
	uniformBufferBindingSizes [NumStages][NumGraphicsUniformBuffers]uint32

	uniformCacheHits           [uniformWindow]uint32
	uniformCacheShots          [uniformWindow]uint32
	uniformBufferSkipCacheSize uint32

	hasDeletedBuffers bool
}

func newChannelState(id int, g *engine.Graphics, cp *engine.Compute, gm memory.GPUMemory, p Params) *channelState {
	ch := &channelState{
		id:                         id,
		graphics:                   g,
		compute:                    cp,
		gpuMemory:                  gm,
		uniformBufferSkipCacheSize: p.SkipCacheSize,
	}
	ch.indexBuffer = NullBinding
	ch.countBufferBinding = NullBinding
	ch.indirectBufferBinding = NullBinding
	for i := range ch.vertexBuffers {
		ch.vertexBuffers[i] = NullBinding
	}
	for i := range ch.transformFeedbackBuffers {
		ch.transformFeedbackBuffers[i] = NullBinding
	}
	for s := 0; s < NumStages; s++ {
		for i := range ch.uniformBuffers[s] {
			ch.uniformBuffers[s][i] = NullBinding
		}
		for i := range ch.storageBuffers[s] {
			ch.storageBuffers[s][i] = NullBinding
		}
		for i := range ch.textureBuffers[s] {
			ch.textureBuffers[s][i].Binding = NullBinding
		}
		ch.dirtyUniformBuffers[s] = ^uint32(0)
	}
	for i := range ch.computeUniformBuffers {
		ch.computeUniformBuffers[i] = NullBinding
	}
	for i := range ch.computeStorageBuffers {
		ch.computeStorageBuffers[i] = NullBinding
	}
	for i := range ch.computeTextureBuffers {
		ch.computeTextureBuffers[i].Binding = NullBinding
	}
	return ch
}

// forgetBuffer drops every binding that resolved to id so it is resolved
// again on next use.
func (ch *channelState) forgetBuffer(id BufferID) {
	replace := func(b *Binding) {
		if b.BufferID == id {
			b.BufferID = InvalidBufferID
		}
	}
	if ch.indexBuffer.BufferID == id {
		ch.indexBuffer.BufferID = InvalidBufferID
		ch.graphics.Dirty.Set(engine.IndexBuffer)
	}
	for i := range ch.vertexBuffers {
		if ch.vertexBuffers[i].BufferID == id {
			ch.vertexBuffers[i].BufferID = InvalidBufferID
			ch.graphics.Dirty.Set(engine.VertexBuffers)
			ch.graphics.Dirty.Set(engine.VertexBuffer(i))
		}
	}
	for s := 0; s < NumStages; s++ {
		for i := range ch.uniformBuffers[s] {
			replace(&ch.uniformBuffers[s][i])
		}
		for i := range ch.storageBuffers[s] {
			replace(&ch.storageBuffers[s][i])
		}
		for i := range ch.textureBuffers[s] {
			replace(&ch.textureBuffers[s][i].Binding)
		}
	}
	for i := range ch.transformFeedbackBuffers {
		replace(&ch.transformFeedbackBuffers[i])
	}
	for i := range ch.computeUniformBuffers {
		replace(&ch.computeUniformBuffers[i])
	}
	for i := range ch.computeStorageBuffers {
		replace(&ch.computeStorageBuffers[i])
	}
	for i := range ch.computeTextureBuffers {
		replace(&ch.computeTextureBuffers[i].Binding)
	}
	replace(&ch.countBufferBinding)
	replace(&ch.indirectBufferBinding)

	for s := range ch.dirtyUniformBuffers {
		ch.dirtyUniformBuffers[s] = ^uint32(0)
	}
	ch.uniformBufferBindingSizes = [NumStages][NumGraphicsUniformBuffers]uint32{}
	ch.hasDeletedBuffers = true
}

// tickUniformWindow shifts the hit/shot window and decides whether small
// uniform ranges skip the cache next frame.
func (ch *channelState) tickUniformWindow(p Params) {
	var hits, shots uint32
	for i := 0; i < uniformWindow; i++ {
		hits += ch.uniformCacheHits[i]
		shots += ch.uniformCacheShots[i]
	}
	copy(ch.uniformCacheHits[1:], ch.uniformCacheHits[:uniformWindow-1])
	copy(ch.uniformCacheShots[1:], ch.uniformCacheShots[:uniformWindow-1])
	ch.uniformCacheHits[0] = 0
	ch.uniformCacheShots[0] = 0

	if hits*p.UniformHitDenominator < shots*p.UniformHitNumerator {
		ch.uniformBufferSkipCacheSize = p.SkipCacheSize
	} else {
		ch.uniformBufferSkipCacheSize = 0
	}
}

// CreateChannel registers the register state and address space of a GPU
// channel and returns its id. The first channel becomes current.
func (c *Cache) CreateChannel(g *engine.Graphics, cp *engine.Compute, gm memory.GPUMemory) int {
	id := c.nextChannel
	c.nextChannel++
	c.channels[id] = newChannelState(id, g, cp, gm, c.params)
	if c.ch == nil {
		c.ch = c.channels[id]
	}
	return id
}

// BindToChannel makes channel id current.
func (c *Cache) BindToChannel(id int) error {
	ch, ok := c.channels[id]
	if !ok {
		return errors.Newf("unknown channel %d", id)
	}
	c.ch = ch
	return nil
}

// EraseChannel drops the state of channel id.
func (c *Cache) EraseChannel(id int) {
	if c.ch != nil && c.ch.id == id {
		c.ch = nil
	}
	delete(c.channels, id)
}

func (c *Cache) channel() (*channelState, error) {
	if c.ch == nil {
		return nil, errors.New("no channel bound")
	}
	return c.ch, nil
}

// resolveLoop repeats fn until it completes without deleting buffers.
func (c *Cache) resolveLoop(what string, fn func() error) error {
	ch := c.ch
	for attempt := 0; attempt < c.params.MaxResolveAttempts; attempt++ {
		ch.hasDeletedBuffers = false
		if err := fn(); err != nil {
			return err
		}
		if !ch.hasDeletedBuffers {
			return nil
		}
	}
	panic(errors.AssertionFailedf("%s did not converge after %d attempts", what, c.params.MaxResolveAttempts))
}
