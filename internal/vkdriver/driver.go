// Package vkdriver implements gpu.Driver on top of github.com/vulkan-go/vulkan.
package vkdriver

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}

// handles maps the opaque gpu handles to the Vulkan objects behind them.
// Handle 0 is never issued and always resolves to the zero value.
type handles struct {
	mu      sync.Mutex
	next    uint64
	objects map[uint64]any
}

func (h *handles) put(v any) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.objects == nil {
		h.objects = make(map[uint64]any)
	}
	h.next++
	h.objects[h.next] = v
	return h.next
}

func (h *handles) drop(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.objects, id)
}

func (h *handles) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

func lookup[T any](h *handles, id uint64) T {
	var zero T
	if id == 0 {
		return zero
	}
	h.mu.Lock()
	v, ok := h.objects[id]
	h.mu.Unlock()
	if !ok {
		panic(errors.AssertionFailedf("vkdriver: unknown handle %d", id))
	}
	t, ok := v.(T)
	if !ok {
		panic(errors.AssertionFailedf("vkdriver: handle %d holds %T, not %T", id, v, zero))
	}
	return t
}

type instance struct {
	handle vulkan.Instance
	debug  vulkan.DebugReportCallback
	layers bool
	// physical lists the enumerated physical device entries still in the
	// handle table.
	physical []uint64
}

type physicalDevice struct {
	handle     vulkan.PhysicalDevice
	inst       *instance
	apiVersion uint32
	extensions map[string]bool
	layers     bool
}

type device struct {
	handle vulkan.Device
}

type queueKey struct {
	dev           gpu.Device
	family, index uint32
}

type swapchain struct {
	handle vulkan.Swapchain
	images []uint64
}

type commandPool struct {
	handle  vulkan.CommandPool
	buffers map[uint64]struct{}
}

type memory struct {
	handle vulkan.DeviceMemory
	size   vulkan.DeviceSize
}

// Driver is the vulkan-go gpu.Driver. The process must have set the
// instance proc address before New is called.
type Driver struct {
	h      handles
	logger *slog.Logger

	qmu    sync.Mutex
	queues map[queueKey]gpu.Queue
}

var _ gpu.Driver = (*Driver)(nil)

// New loads the Vulkan entry points. Call vulkan.SetGetInstanceProcAddr
// first when the loader comes from a windowing library.
func New(logger *slog.Logger) (*Driver, error) {
	if err := vulkan.Init(); err != nil {
		return nil, errors.Wrap(err, "vulkan init")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger.With(slog.String("component", "vkdriver"))}, nil
}

// CreateSurface registers a surface made by a windowing library against inst.
func (d *Driver) CreateSurface(inst gpu.Instance, create func(vulkan.Instance) (vulkan.Surface, error)) (gpu.Surface, error) {
	surface, err := create(d.Instance(inst))
	if err != nil {
		return 0, errors.Wrap(err, "create window surface")
	}
	return gpu.Surface(d.h.put(surface)), nil
}

// Raw handle accessors for code that records Vulkan commands directly.

func (d *Driver) Instance(h gpu.Instance) vulkan.Instance {
	return lookup[*instance](&d.h, uint64(h)).handle
}

func (d *Driver) Device(h gpu.Device) vulkan.Device {
	return lookup[*device](&d.h, uint64(h)).handle
}

func (d *Driver) PhysicalDevice(h gpu.PhysicalDevice) vulkan.PhysicalDevice {
	return lookup[*physicalDevice](&d.h, uint64(h)).handle
}

func (d *Driver) CommandBuffer(h gpu.CommandBuffer) vulkan.CommandBuffer {
	return lookup[vulkan.CommandBuffer](&d.h, uint64(h))
}

func (d *Driver) Buffer(h gpu.Buffer) vulkan.Buffer {
	return lookup[vulkan.Buffer](&d.h, uint64(h))
}

func (d *Driver) Image(h gpu.Image) vulkan.Image {
	return lookup[vulkan.Image](&d.h, uint64(h))
}

func (d *Driver) ImageView(h gpu.ImageView) vulkan.ImageView {
	return lookup[vulkan.ImageView](&d.h, uint64(h))
}

func (d *Driver) ShaderModule(h gpu.ShaderModule) vulkan.ShaderModule {
	return lookup[vulkan.ShaderModule](&d.h, uint64(h))
}

func (d *Driver) surface(h gpu.Surface) vulkan.Surface {
	return lookup[vulkan.Surface](&d.h, uint64(h))
}

func (d *Driver) semaphore(h gpu.Semaphore) vulkan.Semaphore {
	return lookup[vulkan.Semaphore](&d.h, uint64(h))
}

func (d *Driver) fence(h gpu.Fence) vulkan.Fence {
	return lookup[vulkan.Fence](&d.h, uint64(h))
}

func (d *Driver) queue(h gpu.Queue) vulkan.Queue {
	return lookup[vulkan.Queue](&d.h, uint64(h))
}

func (d *Driver) semaphores(hs []gpu.Semaphore) []vulkan.Semaphore {
	out := make([]vulkan.Semaphore, len(hs))
	for i, h := range hs {
		out[i] = d.semaphore(h)
	}
	return out
}

func vkError(what string, res vulkan.Result) error {
	if err := vulkan.Error(res); err != nil {
		return errors.Wrap(err, what)
	}
	return errors.Newf("%s: result %d", what, int(res))
}
