//go:build !vulkan || !cgo

package gpu

import "github.com/cockroachdb/errors"

// VulkanRuntime stub for builds without the vulkan tag or CGO
type VulkanRuntime struct {
	bindRecorder
}

// NewVulkanRuntime returns an error on unsupported builds
func NewVulkanRuntime(stagingSize uint64) (*VulkanRuntime, error) {
	return nil, errors.Wrap(ErrUnavailable, "Vulkan support requires CGO (build with: go build -tags vulkan)")
}

func (rt *VulkanRuntime) Type() BackendType            { return BackendVulkan }
func (rt *VulkanRuntime) Name() string                 { return "Vulkan (unavailable)" }
func (rt *VulkanRuntime) Capabilities() Capabilities   { return Capabilities{} }
func (rt *VulkanRuntime) CreateBuffer(uint64) (Buffer, error) { return nil, ErrUnavailable }
func (rt *VulkanRuntime) ClearBuffer(Buffer, uint64, uint64, uint32) error {
	return ErrUnavailable
}
func (rt *VulkanRuntime) UploadStagingBuffer(uint64) (StagingRef, error) {
	return StagingRef{}, ErrUnavailable
}
func (rt *VulkanRuntime) DownloadStagingBuffer(uint64, bool) (StagingRef, error) {
	return StagingRef{}, ErrUnavailable
}
func (rt *VulkanRuntime) FreeDeferredStagingBuffer(StagingRef)                 {}
func (rt *VulkanRuntime) CopyBuffer(Buffer, Buffer, []BufferCopy, bool) error  { return ErrUnavailable }
func (rt *VulkanRuntime) ImmediateUpload(Buffer, uint64, []byte) error         { return ErrUnavailable }
func (rt *VulkanRuntime) ImmediateDownload(Buffer, uint64, []byte) error       { return ErrUnavailable }
func (rt *VulkanRuntime) Finish() error                                        { return ErrUnavailable }
func (rt *VulkanRuntime) CanReportMemoryUsage() bool                           { return false }
func (rt *VulkanRuntime) GetDeviceMemoryUsage() uint64                         { return 0 }
func (rt *VulkanRuntime) GetDeviceLocalMemory() uint64                         { return 0 }
func (rt *VulkanRuntime) TickFrame()                                           {}
func (rt *VulkanRuntime) Free() error                                          { return nil }
