//go:build vulkan && cgo

package gpu

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
)

const allBufferUsage = vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
	vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit |
	vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit |
	vk.BufferUsageUniformTexelBufferBit | vk.BufferUsageStorageTexelBufferBit |
	vk.BufferUsageIndirectBufferBit

// vkBuffer implements Buffer for a Vulkan buffer object
type vkBuffer struct {
	rt     *VulkanRuntime
	buffer vk.Buffer
	memory vk.DeviceMemory
	size   uint64
	alloc  uint64
	mapped []byte // set for host-visible buffers
	freed  bool
}

func (b *vkBuffer) Size() uint64 { return b.size }

func (b *vkBuffer) Free() error {
	if b.freed {
		return fmt.Errorf("buffer already freed")
	}
	b.freed = true
	b.rt.destroyBuffer(b)
	return nil
}

// VulkanRuntime implements Runtime on a Vulkan device. Every submission is
// fenced before returning, so copies are complete when CopyBuffer returns.
type VulkanRuntime struct {
	bindRecorder

	instance    vk.Instance
	physical    vk.PhysicalDevice
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	pool        vk.CommandPool
	cmd         vk.CommandBuffer
	fence       vk.Fence
	memProps    vk.PhysicalDeviceMemoryProperties
	deviceLocal uint64
	name        string

	ring    *vkBuffer
	staging *StagingPool

	mu    sync.Mutex
	usage uint64
}

// NewVulkanRuntime initializes the first Vulkan device with a transfer queue
func NewVulkanRuntime(stagingSize uint64) (*VulkanRuntime, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "loading vulkan: %v", err)
	}
	if err := vk.Init(); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "initializing vulkan: %v", err)
	}

	rt := &VulkanRuntime{}

	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			PApplicationName: "bufcache\x00",
			PEngineName:      "bufcache\x00",
			ApiVersion:       vk.MakeVersion(1, 0, 0),
		},
	}, nil, &rt.instance)
	if err := vk.Error(res); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "vkCreateInstance: %v", err)
	}
	if err := vk.InitInstance(rt.instance); err != nil {
		vk.DestroyInstance(rt.instance, nil)
		return nil, errors.Wrapf(ErrUnavailable, "loading instance functions: %v", err)
	}

	if err := rt.selectDevice(); err != nil {
		vk.DestroyInstance(rt.instance, nil)
		return nil, err
	}
	if err := rt.createDevice(); err != nil {
		vk.DestroyInstance(rt.instance, nil)
		return nil, err
	}

	ring, err := rt.createBuffer(stagingSize, true)
	if err != nil {
		rt.Free()
		return nil, errors.Wrap(err, "creating staging ring")
	}
	rt.ring = ring
	rt.staging = NewStagingPool(ring, ring.mapped[:stagingSize], func(size uint64) (Buffer, []byte, error) {
		buf, err := rt.createBuffer(size, true)
		if err != nil {
			return nil, nil, err
		}
		return buf, buf.mapped, nil
	})

	return rt, nil
}

func (rt *VulkanRuntime) selectDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(rt.instance, &count, nil)
	if count == 0 {
		return errors.Wrap(ErrUnavailable, "no Vulkan physical devices")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(rt.instance, &count, devices)
	rt.physical = devices[0]

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(rt.physical, &props)
	props.Deref()
	rt.name = fmt.Sprintf("Vulkan (%s)", vk.ToString(props.DeviceName[:]))

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(rt.physical, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(rt.physical, &familyCount, families)

	found := false
	for i := range families {
		families[i].Deref()
		flags := families[i].QueueFlags
		if flags&vk.QueueFlags(vk.QueueGraphicsBit|vk.QueueTransferBit) != 0 {
			rt.queueFamily = uint32(i)
			found = true
			break
		}
	}
	if !found {
		return errors.Wrap(ErrUnavailable, "no transfer-capable queue family")
	}

	vk.GetPhysicalDeviceMemoryProperties(rt.physical, &rt.memProps)
	rt.memProps.Deref()
	for i := uint32(0); i < rt.memProps.MemoryHeapCount; i++ {
		heap := rt.memProps.MemoryHeaps[i]
		heap.Deref()
		if heap.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0 {
			rt.deviceLocal += uint64(heap.Size)
		}
	}
	return nil
}

func (rt *VulkanRuntime) createDevice() error {
	res := vk.CreateDevice(rt.physical, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: rt.queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
	}, nil, &rt.device)
	if err := vk.Error(res); err != nil {
		return errors.Wrapf(ErrUnavailable, "vkCreateDevice: %v", err)
	}
	vk.GetDeviceQueue(rt.device, rt.queueFamily, 0, &rt.queue)

	res = vk.CreateCommandPool(rt.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: rt.queueFamily,
	}, nil, &rt.pool)
	if err := vk.Error(res); err != nil {
		return errors.Wrapf(ErrUnavailable, "vkCreateCommandPool: %v", err)
	}

	cmds := make([]vk.CommandBuffer, 1)
	res = vk.AllocateCommandBuffers(rt.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        rt.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if err := vk.Error(res); err != nil {
		return errors.Wrapf(ErrUnavailable, "vkAllocateCommandBuffers: %v", err)
	}
	rt.cmd = cmds[0]

	res = vk.CreateFence(rt.device, &vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}, nil, &rt.fence)
	if err := vk.Error(res); err != nil {
		return errors.Wrapf(ErrUnavailable, "vkCreateFence: %v", err)
	}
	return nil
}

func (rt *VulkanRuntime) findMemoryType(bits uint32, want vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < rt.memProps.MemoryTypeCount; i++ {
		memType := rt.memProps.MemoryTypes[i]
		memType.Deref()
		if bits&(1<<i) != 0 && memType.PropertyFlags&want == want {
			return i, true
		}
	}
	return 0, false
}

func (rt *VulkanRuntime) createBuffer(size uint64, hostVisible bool) (*vkBuffer, error) {
	alloc := max(size, 4)

	var buffer vk.Buffer
	res := vk.CreateBuffer(rt.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(alloc),
		Usage:       vk.BufferUsageFlags(allBufferUsage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buffer)
	if err := vk.Error(res); err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "vkCreateBuffer(%d): %v", alloc, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(rt.device, buffer, &reqs)
	reqs.Deref()

	want := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if hostVisible {
		want = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	typeIndex, ok := rt.findMemoryType(reqs.MemoryTypeBits, want)
	if !ok {
		vk.DestroyBuffer(rt.device, buffer, nil)
		return nil, errors.Wrap(ErrOutOfMemory, "no compatible memory type")
	}

	var memory vk.DeviceMemory
	res = vk.AllocateMemory(rt.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIndex,
	}, nil, &memory)
	if err := vk.Error(res); err != nil {
		vk.DestroyBuffer(rt.device, buffer, nil)
		return nil, errors.Wrapf(ErrOutOfMemory, "vkAllocateMemory(%d): %v", reqs.Size, err)
	}
	vk.BindBufferMemory(rt.device, buffer, memory, 0)

	b := &vkBuffer{rt: rt, buffer: buffer, memory: memory, size: size, alloc: uint64(reqs.Size)}
	if hostVisible {
		var ptr unsafe.Pointer
		res = vk.MapMemory(rt.device, memory, 0, vk.DeviceSize(alloc), 0, &ptr)
		if err := vk.Error(res); err != nil {
			rt.destroyBuffer(b)
			return nil, errors.Wrapf(err, "vkMapMemory")
		}
		b.mapped = unsafe.Slice((*byte)(ptr), alloc)
	}

	rt.mu.Lock()
	rt.usage += b.alloc
	rt.mu.Unlock()
	return b, nil
}

func (rt *VulkanRuntime) destroyBuffer(b *vkBuffer) {
	if b.mapped != nil {
		vk.UnmapMemory(rt.device, b.memory)
		b.mapped = nil
	}
	vk.DestroyBuffer(rt.device, b.buffer, nil)
	vk.FreeMemory(rt.device, b.memory, nil)

	rt.mu.Lock()
	rt.usage -= b.alloc
	rt.mu.Unlock()
}

// submit records commands into the single command buffer and waits for them
func (rt *VulkanRuntime) submit(record func(cmd vk.CommandBuffer)) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	vk.ResetCommandBuffer(rt.cmd, 0)
	res := vk.BeginCommandBuffer(rt.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := vk.Error(res); err != nil {
		return errors.Wrap(err, "vkBeginCommandBuffer")
	}
	record(rt.cmd)
	if err := vk.Error(vk.EndCommandBuffer(rt.cmd)); err != nil {
		return errors.Wrap(err, "vkEndCommandBuffer")
	}

	fences := []vk.Fence{rt.fence}
	vk.ResetFences(rt.device, 1, fences)
	res = vk.QueueSubmit(rt.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{rt.cmd},
	}}, rt.fence)
	if err := vk.Error(res); err != nil {
		return errors.Wrap(err, "vkQueueSubmit")
	}
	if err := vk.Error(vk.WaitForFences(rt.device, 1, fences, vk.True, math.MaxUint64)); err != nil {
		return errors.Wrap(err, "vkWaitForFences")
	}
	return nil
}

func asVk(buf Buffer) (*vkBuffer, error) {
	b, ok := buf.(*vkBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T is not a Vulkan buffer", buf)
	}
	return b, nil
}

func (rt *VulkanRuntime) Type() BackendType { return BackendVulkan }
func (rt *VulkanRuntime) Name() string      { return rt.name }

func (rt *VulkanRuntime) Capabilities() Capabilities {
	return Capabilities{MappedUploads: true, MemoryMaps: true, AsyncDownloads: true}
}

func (rt *VulkanRuntime) CreateBuffer(size uint64) (Buffer, error) {
	return rt.createBuffer(size, false)
}

func (rt *VulkanRuntime) ClearBuffer(buf Buffer, offset, size uint64, value uint32) error {
	b, err := asVk(buf)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	return rt.submit(func(cmd vk.CommandBuffer) {
		vk.CmdFillBuffer(cmd, b.buffer, vk.DeviceSize(offset), vk.DeviceSize(size), value)
	})
}

func (rt *VulkanRuntime) UploadStagingBuffer(size uint64) (StagingRef, error) {
	return rt.staging.Allocate(size, true)
}

func (rt *VulkanRuntime) DownloadStagingBuffer(size uint64, deferred bool) (StagingRef, error) {
	return rt.staging.Allocate(size, !deferred)
}

func (rt *VulkanRuntime) FreeDeferredStagingBuffer(ref StagingRef) {
	rt.staging.Release(ref)
}

func (rt *VulkanRuntime) CopyBuffer(dst, src Buffer, copies []BufferCopy, barrier bool) error {
	if len(copies) == 0 {
		return nil
	}
	d, err := asVk(dst)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	s, err := asVk(src)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}
	regions := make([]vk.BufferCopy, len(copies))
	for i, c := range copies {
		regions[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(c.SrcOffset),
			DstOffset: vk.DeviceSize(c.DstOffset),
			Size:      vk.DeviceSize(c.Size),
		}
	}
	// Submissions are fenced, which also orders them against earlier work
	return rt.submit(func(cmd vk.CommandBuffer) {
		vk.CmdCopyBuffer(cmd, s.buffer, d.buffer, uint32(len(regions)), regions)
	})
}

func (rt *VulkanRuntime) ImmediateUpload(dst Buffer, offset uint64, data []byte) error {
	staging, err := rt.UploadStagingBuffer(uint64(len(data)))
	if err != nil {
		return err
	}
	copy(staging.Mapped, data)
	return rt.CopyBuffer(dst, staging.Buffer, []BufferCopy{{
		SrcOffset: staging.Offset,
		DstOffset: offset,
		Size:      uint64(len(data)),
	}}, true)
}

func (rt *VulkanRuntime) ImmediateDownload(src Buffer, offset uint64, dst []byte) error {
	staging, err := rt.DownloadStagingBuffer(uint64(len(dst)), false)
	if err != nil {
		return err
	}
	if err := rt.CopyBuffer(staging.Buffer, src, []BufferCopy{{
		SrcOffset: offset,
		DstOffset: staging.Offset,
		Size:      uint64(len(dst)),
	}}, true); err != nil {
		return err
	}
	copy(dst, staging.Mapped)
	return nil
}

func (rt *VulkanRuntime) Finish() error {
	return vk.Error(vk.QueueWaitIdle(rt.queue))
}

// CanReportMemoryUsage is false: usage is only known for our own allocations
func (rt *VulkanRuntime) CanReportMemoryUsage() bool { return false }

func (rt *VulkanRuntime) GetDeviceMemoryUsage() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.usage
}

func (rt *VulkanRuntime) GetDeviceLocalMemory() uint64 { return rt.deviceLocal }

func (rt *VulkanRuntime) TickFrame() {
	rt.staging.Tick()
}

func (rt *VulkanRuntime) Free() error {
	if rt.device != nil {
		vk.DeviceWaitIdle(rt.device)
		if rt.ring != nil {
			rt.destroyBuffer(rt.ring)
			rt.ring = nil
		}
		if rt.fence != vk.NullFence {
			vk.DestroyFence(rt.device, rt.fence, nil)
		}
		if rt.pool != vk.NullCommandPool {
			vk.DestroyCommandPool(rt.device, rt.pool, nil)
		}
		vk.DestroyDevice(rt.device, nil)
		rt.device = nil
	}
	if rt.instance != nil {
		vk.DestroyInstance(rt.instance, nil)
		rt.instance = nil
	}
	return nil
}
