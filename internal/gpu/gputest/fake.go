// Package gputest provides an in-memory gpu.Driver for tests. It keeps real
// byte storage behind every allocation and executes recorded copies and
// layout transitions when a submission completes.
package gputest

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

// Object kinds reported by Live.
const (
	KindInstance      = "instance"
	KindSurface       = "surface"
	KindDevice        = "device"
	KindSwapchain     = "swapchain"
	KindSwapImage     = "swapimage"
	KindImage         = "image"
	KindImageView     = "imageview"
	KindSemaphore     = "semaphore"
	KindFence         = "fence"
	KindCommandPool   = "commandpool"
	KindCommandBuffer = "commandbuffer"
	KindBuffer        = "buffer"
	KindMemory        = "memory"
	KindShaderModule  = "shadermodule"
)

// RecordedBarrier is one CmdPipelineBarrier call.
type RecordedBarrier struct {
	Commands gpu.CommandBuffer
	Src, Dst vulkan.PipelineStageFlags
	Buffers  []gpu.BufferBarrier
	Images   []gpu.ImageBarrier
}

type Submission struct {
	Queue   gpu.Queue
	Submits []gpu.SubmitInfo
	Fence   gpu.Fence
}

type op struct {
	copySrc, copyDst gpu.Buffer
	size             vulkan.DeviceSize
	images           []gpu.ImageBarrier
}

type binding struct {
	mem    gpu.Memory
	offset vulkan.DeviceSize
	size   vulkan.DeviceSize
}

// Driver is a fake gpu.Driver. Its exported fields may be set before the
// device context is built and changed between calls.
type Driver struct {
	Devices []gpu.PhysicalDeviceInfo
	Caps    gpu.SurfaceCapabilities
	Formats []gpu.SurfaceFormat
	Modes   []vulkan.PresentMode

	// AcquireResults and PresentResults are consumed front first. Once
	// empty every call succeeds.
	AcquireResults []vulkan.Result
	PresentResults []vulkan.Result

	// HoldFences keeps submissions pending until CompletePending or a wait.
	HoldFences bool
	// Fail makes the named method return the error.
	Fail map[string]error

	Barriers     []RecordedBarrier
	Submissions  []Submission
	Layouts      map[gpu.Image]vulkan.ImageLayout
	Destroyed    []string
	Flushes      int
	AcquireCalls int
	PresentCalls int
	WaitIdles    int
	// Errors collects misuse such as destroying an object twice.
	Errors []string

	LastInstance  gpu.InstanceInfo
	LastDevice    gpu.DeviceInfo
	LastSwapchain gpu.SwapchainInfo

	next       uint64
	live       map[string]map[uint64]bool
	memory     map[gpu.Memory][]byte
	bound      map[gpu.Buffer]binding
	bufSize    map[gpu.Buffer]vulkan.DeviceSize
	ops        map[gpu.CommandBuffer][]op
	poolOf     map[gpu.CommandBuffer]gpu.CommandPool
	fences     map[gpu.Fence]bool
	swapImages map[gpu.Swapchain][]gpu.Image
	pending    []Submission
	nextImage  uint32
}

// DefaultFamily is a single family that does everything.
var DefaultFamily = gpu.QueueFamily{
	Index:   0,
	Flags:   vulkan.QueueFlags(vulkan.QueueGraphicsBit | vulkan.QueueComputeBit | vulkan.QueueTransferBit),
	Count:   1,
	Present: true,
}

// New returns a fake with one discrete device exposing families, or
// DefaultFamily when none are given.
func New(families ...gpu.QueueFamily) *Driver {
	if len(families) == 0 {
		families = []gpu.QueueFamily{DefaultFamily}
	}
	d := &Driver{
		Caps: gpu.SurfaceCapabilities{
			MinImageCount:    2,
			MaxImageCount:    8,
			CurrentExtent:    gpu.Extent2D{Width: 800, Height: 600},
			MinImageExtent:   gpu.Extent2D{Width: 1, Height: 1},
			MaxImageExtent:   gpu.Extent2D{Width: 4096, Height: 4096},
			CurrentTransform: vulkan.SurfaceTransformIdentityBit,
		},
		Formats: []gpu.SurfaceFormat{{Format: vulkan.FormatB8g8r8a8Unorm, ColorSpace: vulkan.ColorSpaceSrgbNonlinear}},
		Modes:   []vulkan.PresentMode{vulkan.PresentModeFifo, vulkan.PresentModeMailbox},
		Fail:    make(map[string]error),
		Layouts: make(map[gpu.Image]vulkan.ImageLayout),

		live:       make(map[string]map[uint64]bool),
		memory:     make(map[gpu.Memory][]byte),
		bound:      make(map[gpu.Buffer]binding),
		bufSize:    make(map[gpu.Buffer]vulkan.DeviceSize),
		ops:        make(map[gpu.CommandBuffer][]op),
		poolOf:     make(map[gpu.CommandBuffer]gpu.CommandPool),
		fences:     make(map[gpu.Fence]bool),
		swapImages: make(map[gpu.Swapchain][]gpu.Image),
	}
	d.Devices = []gpu.PhysicalDeviceInfo{Device("Fake GPU", vulkan.PhysicalDeviceTypeDiscreteGpu, families...)}
	return d
}

// Device describes a physical device that meets the default configuration.
func Device(name string, typ vulkan.PhysicalDeviceType, families ...gpu.QueueFamily) gpu.PhysicalDeviceInfo {
	return gpu.PhysicalDeviceInfo{
		Name:       name,
		Type:       typ,
		APIVersion: vulkan.MakeVersion(1, 4, 0),
		Extensions: []string{"VK_KHR_swapchain"},
		Features: map[string]bool{
			"samplerAnisotropy":           true,
			"separateDepthStencilLayouts": true,
			"dynamicRendering":            true,
			"synchronization2":            true,
		},
		QueueFamilies: families,
		Memory: gpu.MemoryProperties{
			Types: []gpu.MemoryType{
				{Flags: vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyDeviceLocalBit), Heap: 0},
				{Flags: vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostVisibleBit | vulkan.MemoryPropertyHostCoherentBit), Heap: 1},
			},
			Heaps: []gpu.MemoryHeap{
				{Size: 256 << 20, Flags: vulkan.MemoryHeapFlags(vulkan.MemoryHeapDeviceLocalBit)},
				{Size: 1 << 30},
			},
		},
		NonCoherentAtomSize: 64,
	}
}

// Surface is a gpu.SurfaceProvider backed by d.
func (d *Driver) Surface() gpu.SurfaceProvider {
	return gpu.SurfaceFunc(func(inst gpu.Instance) (gpu.Surface, error) {
		if err := d.fail("CreateSurface"); err != nil {
			return 0, err
		}
		return gpu.Surface(d.create(KindSurface)), nil
	})
}

// Live reports how many objects of kind exist.
func (d *Driver) Live(kind string) int {
	return len(d.live[kind])
}

// LiveTotal reports every live object, of every kind.
func (d *Driver) LiveTotal() map[string]int {
	out := make(map[string]int)
	for kind, objs := range d.live {
		if len(objs) > 0 {
			out[kind] = len(objs)
		}
	}
	return out
}

// Kinds lists the kinds with live objects, sorted.
func (d *Driver) Kinds() []string {
	var kinds []string
	for kind, n := range d.LiveTotal() {
		if n > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// BufferContents returns the bytes currently backing b.
func (d *Driver) BufferContents(b gpu.Buffer) []byte {
	bind, ok := d.bound[b]
	if !ok {
		return nil
	}
	mem := d.memory[bind.mem]
	return mem[bind.offset : bind.offset+bind.size]
}

// SignalFence marks f signaled without completing any submission.
func (d *Driver) SignalFence(f gpu.Fence) {
	d.fences[f] = true
}

// CompletePending finishes every held submission.
func (d *Driver) CompletePending() {
	pending := d.pending
	d.pending = nil
	for _, s := range pending {
		d.execute(s)
	}
}

func (d *Driver) fail(method string) error {
	if err, ok := d.Fail[method]; ok && err != nil {
		return err
	}
	return nil
}

func (d *Driver) create(kind string) uint64 {
	d.next++
	if d.live[kind] == nil {
		d.live[kind] = make(map[uint64]bool)
	}
	d.live[kind][d.next] = true
	return d.next
}

func (d *Driver) destroy(kind string, id uint64) {
	if id == 0 {
		return
	}
	if !d.live[kind][id] {
		d.Errors = append(d.Errors, errors.Newf("destroy of dead %s %d", kind, id).Error())
		return
	}
	delete(d.live[kind], id)
	d.Destroyed = append(d.Destroyed, kind)
}

func (d *Driver) execute(s Submission) {
	for _, info := range s.Submits {
		for _, cb := range info.Commands {
			for _, o := range d.ops[cb] {
				if o.copySrc != 0 {
					copy(d.BufferContents(o.copyDst), d.BufferContents(o.copySrc)[:o.size])
				}
				for _, b := range o.images {
					d.Layouts[b.Image] = b.NewLayout
				}
			}
		}
	}
	if s.Fence != 0 {
		d.fences[s.Fence] = true
	}
}

func (d *Driver) CreateInstance(info gpu.InstanceInfo) (gpu.Instance, error) {
	if err := d.fail("CreateInstance"); err != nil {
		return 0, err
	}
	d.LastInstance = info
	return gpu.Instance(d.create(KindInstance)), nil
}

func (d *Driver) DestroyInstance(inst gpu.Instance) { d.destroy(KindInstance, uint64(inst)) }

func (d *Driver) DestroySurface(inst gpu.Instance, s gpu.Surface) { d.destroy(KindSurface, uint64(s)) }

func (d *Driver) PhysicalDevices(inst gpu.Instance, s gpu.Surface) ([]gpu.PhysicalDeviceInfo, error) {
	if err := d.fail("PhysicalDevices"); err != nil {
		return nil, err
	}
	out := make([]gpu.PhysicalDeviceInfo, len(d.Devices))
	for i, pd := range d.Devices {
		pd.Handle = gpu.PhysicalDevice(i + 1)
		out[i] = pd
	}
	return out, nil
}

func (d *Driver) SurfaceCapabilities(pd gpu.PhysicalDevice, s gpu.Surface) (gpu.SurfaceCapabilities, error) {
	if err := d.fail("SurfaceCapabilities"); err != nil {
		return gpu.SurfaceCapabilities{}, err
	}
	return d.Caps, nil
}

func (d *Driver) SurfaceFormats(pd gpu.PhysicalDevice, s gpu.Surface) ([]gpu.SurfaceFormat, error) {
	return d.Formats, d.fail("SurfaceFormats")
}

func (d *Driver) PresentModes(pd gpu.PhysicalDevice, s gpu.Surface) ([]vulkan.PresentMode, error) {
	return d.Modes, d.fail("PresentModes")
}

func (d *Driver) CreateDevice(pd gpu.PhysicalDevice, info gpu.DeviceInfo) (gpu.Device, error) {
	if err := d.fail("CreateDevice"); err != nil {
		return 0, err
	}
	d.LastDevice = info
	return gpu.Device(d.create(KindDevice)), nil
}

func (d *Driver) DestroyDevice(dev gpu.Device) { d.destroy(KindDevice, uint64(dev)) }

// GetQueue returns one stable handle per family.
func (d *Driver) GetQueue(dev gpu.Device, family, index uint32) gpu.Queue {
	return gpu.Queue(0x10000 + uint64(family)<<8 + uint64(index))
}

func (d *Driver) WaitIdle(dev gpu.Device) error {
	if err := d.fail("WaitIdle"); err != nil {
		return err
	}
	d.WaitIdles++
	d.CompletePending()
	return nil
}

func (d *Driver) CreateSwapchain(dev gpu.Device, info gpu.SwapchainInfo) (gpu.Swapchain, []gpu.Image, error) {
	if err := d.fail("CreateSwapchain"); err != nil {
		return 0, nil, err
	}
	d.LastSwapchain = info
	sc := gpu.Swapchain(d.create(KindSwapchain))
	images := make([]gpu.Image, info.MinImageCount)
	for i := range images {
		images[i] = gpu.Image(d.create(KindSwapImage))
		d.Layouts[images[i]] = vulkan.ImageLayoutUndefined
	}
	d.swapImages[sc] = images
	d.nextImage = 0
	return sc, images, nil
}

func (d *Driver) DestroySwapchain(dev gpu.Device, sc gpu.Swapchain) {
	for _, img := range d.swapImages[sc] {
		d.destroy(KindSwapImage, uint64(img))
		delete(d.Layouts, img)
	}
	delete(d.swapImages, sc)
	d.destroy(KindSwapchain, uint64(sc))
}

func (d *Driver) CreateImageView(dev gpu.Device, info gpu.ImageViewInfo) (gpu.ImageView, error) {
	if err := d.fail("CreateImageView"); err != nil {
		return 0, err
	}
	return gpu.ImageView(d.create(KindImageView)), nil
}

func (d *Driver) DestroyImageView(dev gpu.Device, v gpu.ImageView) { d.destroy(KindImageView, uint64(v)) }

func (d *Driver) CreateSemaphore(dev gpu.Device) (gpu.Semaphore, error) {
	if err := d.fail("CreateSemaphore"); err != nil {
		return 0, err
	}
	return gpu.Semaphore(d.create(KindSemaphore)), nil
}

func (d *Driver) DestroySemaphore(dev gpu.Device, s gpu.Semaphore) { d.destroy(KindSemaphore, uint64(s)) }

func (d *Driver) CreateFence(dev gpu.Device, signaled bool) (gpu.Fence, error) {
	if err := d.fail("CreateFence"); err != nil {
		return 0, err
	}
	f := gpu.Fence(d.create(KindFence))
	d.fences[f] = signaled
	return f, nil
}

func (d *Driver) DestroyFence(dev gpu.Device, f gpu.Fence) {
	delete(d.fences, f)
	d.destroy(KindFence, uint64(f))
}

// WaitFence completes held submissions that signal f. Waiting on a fence
// nothing will signal is reported as an error instead of hanging.
func (d *Driver) WaitFence(dev gpu.Device, f gpu.Fence, timeout uint64) error {
	if err := d.fail("WaitFence"); err != nil {
		return err
	}
	if d.fences[f] {
		return nil
	}
	var rest []Submission
	for _, s := range d.pending {
		if s.Fence == f {
			d.execute(s)
		} else {
			rest = append(rest, s)
		}
	}
	d.pending = rest
	if !d.fences[f] {
		return errors.Newf("fence %d would never signal", f)
	}
	return nil
}

func (d *Driver) ResetFence(dev gpu.Device, f gpu.Fence) error {
	if err := d.fail("ResetFence"); err != nil {
		return err
	}
	d.fences[f] = false
	return nil
}

func (d *Driver) FenceStatus(dev gpu.Device, f gpu.Fence) (bool, error) {
	if err := d.fail("FenceStatus"); err != nil {
		return false, err
	}
	return d.fences[f], nil
}

func (d *Driver) CreateShaderModule(dev gpu.Device, code []byte) (gpu.ShaderModule, error) {
	if err := d.fail("CreateShaderModule"); err != nil {
		return 0, err
	}
	return gpu.ShaderModule(d.create(KindShaderModule)), nil
}

func (d *Driver) DestroyShaderModule(dev gpu.Device, m gpu.ShaderModule) {
	d.destroy(KindShaderModule, uint64(m))
}

func (d *Driver) AcquireNextImage(dev gpu.Device, sc gpu.Swapchain, timeout uint64, signal gpu.Semaphore) (uint32, vulkan.Result) {
	d.AcquireCalls++
	res := vulkan.Success
	if len(d.AcquireResults) > 0 {
		res = d.AcquireResults[0]
		d.AcquireResults = d.AcquireResults[1:]
	}
	if res != vulkan.Success && res != vulkan.Suboptimal {
		return 0, res
	}
	n := uint32(len(d.swapImages[sc]))
	if n == 0 {
		return 0, vulkan.ErrorOutOfDate
	}
	idx := d.nextImage % n
	d.nextImage++
	return idx, res
}

func (d *Driver) QueueSubmit(q gpu.Queue, submits []gpu.SubmitInfo, fence gpu.Fence) error {
	if err := d.fail("QueueSubmit"); err != nil {
		return err
	}
	s := Submission{Queue: q, Submits: submits, Fence: fence}
	d.Submissions = append(d.Submissions, s)
	if d.HoldFences {
		d.pending = append(d.pending, s)
		return nil
	}
	d.execute(s)
	return nil
}

func (d *Driver) QueueWaitIdle(q gpu.Queue) error {
	if err := d.fail("QueueWaitIdle"); err != nil {
		return err
	}
	var rest []Submission
	for _, s := range d.pending {
		if s.Queue == q {
			d.execute(s)
		} else {
			rest = append(rest, s)
		}
	}
	d.pending = rest
	return nil
}

func (d *Driver) QueuePresent(q gpu.Queue, info gpu.PresentInfo) vulkan.Result {
	d.PresentCalls++
	if len(d.PresentResults) > 0 {
		res := d.PresentResults[0]
		d.PresentResults = d.PresentResults[1:]
		return res
	}
	return vulkan.Success
}

func (d *Driver) CreateCommandPool(dev gpu.Device, family uint32, flags vulkan.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	if err := d.fail("CreateCommandPool"); err != nil {
		return 0, err
	}
	return gpu.CommandPool(d.create(KindCommandPool)), nil
}

// DestroyCommandPool also frees the buffers allocated from pool.
func (d *Driver) DestroyCommandPool(dev gpu.Device, pool gpu.CommandPool) {
	for cb, p := range d.poolOf {
		if p == pool {
			d.FreeCommandBuffer(dev, pool, cb)
		}
	}
	d.destroy(KindCommandPool, uint64(pool))
}

func (d *Driver) ResetCommandPool(dev gpu.Device, pool gpu.CommandPool) error {
	if err := d.fail("ResetCommandPool"); err != nil {
		return err
	}
	for cb, p := range d.poolOf {
		if p == pool {
			d.ops[cb] = nil
		}
	}
	return nil
}

func (d *Driver) AllocateCommandBuffer(dev gpu.Device, pool gpu.CommandPool) (gpu.CommandBuffer, error) {
	if err := d.fail("AllocateCommandBuffer"); err != nil {
		return 0, err
	}
	cb := gpu.CommandBuffer(d.create(KindCommandBuffer))
	d.poolOf[cb] = pool
	return cb, nil
}

func (d *Driver) FreeCommandBuffer(dev gpu.Device, pool gpu.CommandPool, cb gpu.CommandBuffer) {
	delete(d.poolOf, cb)
	delete(d.ops, cb)
	d.destroy(KindCommandBuffer, uint64(cb))
}

func (d *Driver) BeginCommandBuffer(cb gpu.CommandBuffer, usage vulkan.CommandBufferUsageFlags) error {
	if err := d.fail("BeginCommandBuffer"); err != nil {
		return err
	}
	d.ops[cb] = nil
	return nil
}

func (d *Driver) EndCommandBuffer(cb gpu.CommandBuffer) error {
	return d.fail("EndCommandBuffer")
}

func (d *Driver) CmdPipelineBarrier(cb gpu.CommandBuffer, src, dst vulkan.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) {
	d.Barriers = append(d.Barriers, RecordedBarrier{
		Commands: cb,
		Src:      src,
		Dst:      dst,
		Buffers:  append([]gpu.BufferBarrier(nil), buffers...),
		Images:   append([]gpu.ImageBarrier(nil), images...),
	})
	if len(images) > 0 {
		d.ops[cb] = append(d.ops[cb], op{images: append([]gpu.ImageBarrier(nil), images...)})
	}
}

func (d *Driver) CmdCopyBuffer(cb gpu.CommandBuffer, src, dst gpu.Buffer, size vulkan.DeviceSize) {
	d.ops[cb] = append(d.ops[cb], op{copySrc: src, copyDst: dst, size: size})
}

func (d *Driver) CreateBuffer(dev gpu.Device, size vulkan.DeviceSize, usage vulkan.BufferUsageFlags) (gpu.Buffer, gpu.MemoryRequirements, error) {
	if err := d.fail("CreateBuffer"); err != nil {
		return 0, gpu.MemoryRequirements{}, err
	}
	b := gpu.Buffer(d.create(KindBuffer))
	d.bufSize[b] = size
	return b, gpu.MemoryRequirements{Size: (size + 15) &^ 15, Alignment: 16, TypeBits: d.allTypes()}, nil
}

func (d *Driver) allTypes() uint32 {
	n := 0
	if len(d.Devices) > 0 {
		n = len(d.Devices[0].Memory.Types)
	}
	return uint32(1)<<uint(n) - 1
}

func (d *Driver) DestroyBuffer(dev gpu.Device, b gpu.Buffer) {
	delete(d.bound, b)
	delete(d.bufSize, b)
	d.destroy(KindBuffer, uint64(b))
}

func (d *Driver) CreateImage(dev gpu.Device, info gpu.ImageInfo) (gpu.Image, gpu.MemoryRequirements, error) {
	if err := d.fail("CreateImage"); err != nil {
		return 0, gpu.MemoryRequirements{}, err
	}
	img := gpu.Image(d.create(KindImage))
	d.Layouts[img] = vulkan.ImageLayoutUndefined
	size := vulkan.DeviceSize(info.Extent.Width) * vulkan.DeviceSize(info.Extent.Height) * vulkan.DeviceSize(info.Extent.Depth) * 4
	if size == 0 {
		size = 4
	}
	return img, gpu.MemoryRequirements{Size: size, Alignment: 256, TypeBits: d.allTypes()}, nil
}

func (d *Driver) DestroyImage(dev gpu.Device, img gpu.Image) {
	delete(d.Layouts, img)
	d.destroy(KindImage, uint64(img))
}

func (d *Driver) AllocateMemory(dev gpu.Device, size vulkan.DeviceSize, typeIndex uint32) (gpu.Memory, error) {
	if err := d.fail("AllocateMemory"); err != nil {
		return 0, err
	}
	mem := gpu.Memory(d.create(KindMemory))
	d.memory[mem] = make([]byte, size)
	return mem, nil
}

func (d *Driver) FreeMemory(dev gpu.Device, mem gpu.Memory) {
	for b, bind := range d.bound {
		if bind.mem == mem {
			d.Errors = append(d.Errors, errors.Newf("memory %d freed while buffer %d is bound to it", mem, b).Error())
		}
	}
	delete(d.memory, mem)
	d.destroy(KindMemory, uint64(mem))
}

func (d *Driver) BindBufferMemory(dev gpu.Device, b gpu.Buffer, mem gpu.Memory, offset vulkan.DeviceSize) error {
	if err := d.fail("BindBufferMemory"); err != nil {
		return err
	}
	d.bound[b] = binding{mem: mem, offset: offset, size: d.bufSize[b]}
	return nil
}

func (d *Driver) BindImageMemory(dev gpu.Device, img gpu.Image, mem gpu.Memory, offset vulkan.DeviceSize) error {
	return d.fail("BindImageMemory")
}

func (d *Driver) MapMemory(dev gpu.Device, mem gpu.Memory, offset, size vulkan.DeviceSize) ([]byte, error) {
	if err := d.fail("MapMemory"); err != nil {
		return nil, err
	}
	buf := d.memory[mem]
	if size == gpu.WholeSize {
		return buf[offset:], nil
	}
	return buf[offset : offset+size], nil
}

func (d *Driver) UnmapMemory(dev gpu.Device, mem gpu.Memory) {}

func (d *Driver) FlushMemory(dev gpu.Device, mem gpu.Memory, offset, size vulkan.DeviceSize) error {
	if err := d.fail("FlushMemory"); err != nil {
		return err
	}
	d.Flushes++
	return nil
}

var _ gpu.Driver = (*Driver)(nil)

// Window is a gpu.WindowSizer. Sizes, when set, are returned in order before
// settling on Width and Height.
type Window struct {
	Width, Height int
	Sizes         [][2]int
	Waits         int
}

func (w *Window) FramebufferSize() (int, int) {
	if len(w.Sizes) > 0 {
		s := w.Sizes[0]
		w.Sizes = w.Sizes[1:]
		return s[0], s[1]
	}
	return w.Width, w.Height
}

func (w *Window) WaitEvents() { w.Waits++ }
