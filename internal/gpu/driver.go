package gpu

import (
	"github.com/vulkan-go/vulkan"
)

// Opaque object references handed out by a Driver. The zero value of every
// handle type is the null handle.
type (
	Instance       uint64
	Surface        uint64
	PhysicalDevice uint64
	Device         uint64
	Queue          uint64
	Swapchain      uint64
	Image          uint64
	ImageView      uint64
	Semaphore      uint64
	Fence          uint64
	CommandPool    uint64
	CommandBuffer  uint64
	Buffer         uint64
	Memory         uint64
	ShaderModule   uint64
)

const (
	// QueueFamilyIgnored marks a barrier that performs no ownership transfer.
	QueueFamilyIgnored = ^uint32(0)
	// WholeSize covers the remainder of a buffer or allocation.
	WholeSize = vulkan.DeviceSize(^uint64(0))
	// NoTimeout is used for every fence and acquire wait.
	NoTimeout = ^uint64(0)

	// ImageLayoutDepthAttachmentOptimal is the Vulkan 1.2 depth-only layout.
	ImageLayoutDepthAttachmentOptimal = vulkan.ImageLayout(1000241000)
)

type Extent2D struct {
	Width, Height uint32
}

type Extent3D struct {
	Width, Height, Depth uint32
}

type SurfaceFormat struct {
	Format     vulkan.Format
	ColorSpace vulkan.ColorSpace
}

// QueueFamily describes one queue family of a physical device. Present
// reports support for presenting to the surface the device was queried with.
type QueueFamily struct {
	Index   uint32
	Flags   vulkan.QueueFlags
	Count   uint32
	Present bool
}

func (f QueueFamily) has(bit vulkan.QueueFlagBits) bool {
	return f.Flags&vulkan.QueueFlags(bit) != 0
}

type MemoryType struct {
	Flags vulkan.MemoryPropertyFlags
	Heap  uint32
}

type MemoryHeap struct {
	Size  vulkan.DeviceSize
	Flags vulkan.MemoryHeapFlags
}

type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// PhysicalDeviceInfo is everything device selection needs to know about one
// physical device, gathered up front so the policy stays driver-free.
type PhysicalDeviceInfo struct {
	Handle              PhysicalDevice
	Name                string
	Type                vulkan.PhysicalDeviceType
	APIVersion          uint32
	Extensions          []string
	Features            map[string]bool
	QueueFamilies       []QueueFamily
	Memory              MemoryProperties
	NonCoherentAtomSize vulkan.DeviceSize
}

type SurfaceCapabilities struct {
	MinImageCount    uint32
	MaxImageCount    uint32
	CurrentExtent    Extent2D
	MinImageExtent   Extent2D
	MaxImageExtent   Extent2D
	CurrentTransform vulkan.SurfaceTransformFlagBits
}

type InstanceInfo struct {
	AppName    string
	EngineName string
	APIVersion uint32
	Extensions []string
	Validation bool
}

type DeviceInfo struct {
	Families   []uint32
	Extensions []string
	Features   Features
}

type SwapchainInfo struct {
	Surface       Surface
	MinImageCount uint32
	Format        SurfaceFormat
	Extent        Extent2D
	Usage         vulkan.ImageUsageFlags
	Transform     vulkan.SurfaceTransformFlagBits
	PresentMode   vulkan.PresentMode
	// Families lists the queue families sharing the images. More than one
	// distinct family selects concurrent sharing.
	Families []uint32
}

type ImageInfo struct {
	Extent    Extent3D
	Format    vulkan.Format
	Usage     vulkan.ImageUsageFlags
	MipLevels uint32
	Samples   vulkan.SampleCountFlagBits
}

type ImageViewInfo struct {
	Image     Image
	Format    vulkan.Format
	Aspect    vulkan.ImageAspectFlags
	MipLevels uint32
}

type MemoryRequirements struct {
	Size      vulkan.DeviceSize
	Alignment vulkan.DeviceSize
	TypeBits  uint32
}

type BufferBarrier struct {
	SrcAccess vulkan.AccessFlags
	DstAccess vulkan.AccessFlags
	SrcFamily uint32
	DstFamily uint32
	Buffer    Buffer
	Offset    vulkan.DeviceSize
	Size      vulkan.DeviceSize
}

type ImageBarrier struct {
	OldLayout vulkan.ImageLayout
	NewLayout vulkan.ImageLayout
	SrcAccess vulkan.AccessFlags
	DstAccess vulkan.AccessFlags
	SrcFamily uint32
	DstFamily uint32
	Image     Image
	Aspect    vulkan.ImageAspectFlags
	MipLevels uint32
}

type SubmitInfo struct {
	Wait       []Semaphore
	WaitStages []vulkan.PipelineStageFlags
	Commands   []CommandBuffer
	Signal     []Semaphore
}

type PresentInfo struct {
	Wait       []Semaphore
	Swapchain  Swapchain
	ImageIndex uint32
}

// InstanceDriver covers instance, surface and physical-device queries plus
// logical device creation.
type InstanceDriver interface {
	CreateInstance(info InstanceInfo) (Instance, error)
	DestroyInstance(inst Instance)
	DestroySurface(inst Instance, surface Surface)
	PhysicalDevices(inst Instance, surface Surface) ([]PhysicalDeviceInfo, error)
	SurfaceCapabilities(pd PhysicalDevice, surface Surface) (SurfaceCapabilities, error)
	SurfaceFormats(pd PhysicalDevice, surface Surface) ([]SurfaceFormat, error)
	PresentModes(pd PhysicalDevice, surface Surface) ([]vulkan.PresentMode, error)
	CreateDevice(pd PhysicalDevice, info DeviceInfo) (Device, error)
	DestroyDevice(dev Device)
}

// DeviceDriver covers queues, the swapchain, views and synchronization.
// AcquireNextImage and QueuePresent return the raw result so callers can
// tell stale-surface results apart from failures.
type DeviceDriver interface {
	GetQueue(dev Device, family, index uint32) Queue
	WaitIdle(dev Device) error
	CreateSwapchain(dev Device, info SwapchainInfo) (Swapchain, []Image, error)
	DestroySwapchain(dev Device, sc Swapchain)
	CreateImageView(dev Device, info ImageViewInfo) (ImageView, error)
	DestroyImageView(dev Device, view ImageView)
	CreateSemaphore(dev Device) (Semaphore, error)
	DestroySemaphore(dev Device, s Semaphore)
	CreateFence(dev Device, signaled bool) (Fence, error)
	DestroyFence(dev Device, f Fence)
	WaitFence(dev Device, f Fence, timeout uint64) error
	ResetFence(dev Device, f Fence) error
	FenceStatus(dev Device, f Fence) (bool, error)
	CreateShaderModule(dev Device, code []byte) (ShaderModule, error)
	DestroyShaderModule(dev Device, m ShaderModule)
	AcquireNextImage(dev Device, sc Swapchain, timeout uint64, signal Semaphore) (uint32, vulkan.Result)
	QueueSubmit(q Queue, submits []SubmitInfo, fence Fence) error
	QueueWaitIdle(q Queue) error
	QueuePresent(q Queue, info PresentInfo) vulkan.Result
}

type CommandDriver interface {
	CreateCommandPool(dev Device, family uint32, flags vulkan.CommandPoolCreateFlags) (CommandPool, error)
	DestroyCommandPool(dev Device, pool CommandPool)
	ResetCommandPool(dev Device, pool CommandPool) error
	AllocateCommandBuffer(dev Device, pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(dev Device, pool CommandPool, cb CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, usage vulkan.CommandBufferUsageFlags) error
	EndCommandBuffer(cb CommandBuffer) error
	CmdPipelineBarrier(cb CommandBuffer, src, dst vulkan.PipelineStageFlags, buffers []BufferBarrier, images []ImageBarrier)
	CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, size vulkan.DeviceSize)
}

type MemoryDriver interface {
	CreateBuffer(dev Device, size vulkan.DeviceSize, usage vulkan.BufferUsageFlags) (Buffer, MemoryRequirements, error)
	DestroyBuffer(dev Device, b Buffer)
	CreateImage(dev Device, info ImageInfo) (Image, MemoryRequirements, error)
	DestroyImage(dev Device, img Image)
	AllocateMemory(dev Device, size vulkan.DeviceSize, typeIndex uint32) (Memory, error)
	FreeMemory(dev Device, mem Memory)
	BindBufferMemory(dev Device, b Buffer, mem Memory, offset vulkan.DeviceSize) error
	BindImageMemory(dev Device, img Image, mem Memory, offset vulkan.DeviceSize) error
	MapMemory(dev Device, mem Memory, offset, size vulkan.DeviceSize) ([]byte, error)
	UnmapMemory(dev Device, mem Memory)
	FlushMemory(dev Device, mem Memory, offset, size vulkan.DeviceSize) error
}

// Driver is the full set of GPU entry points the core relies on.
type Driver interface {
	InstanceDriver
	DeviceDriver
	CommandDriver
	MemoryDriver
}
