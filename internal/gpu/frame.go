package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

// ResizeHandler is told when the swapchain no longer matches the surface.
type ResizeHandler interface {
	HandleResize() error
}

type ResizeFunc func() error

func (f ResizeFunc) HandleResize() error { return f() }

// FrameCommandData is the per-frame-slot recording and synchronization state.
type FrameCommandData struct {
	ctx            *DeviceContext
	Pool           CommandPool
	Commands       CommandBuffer
	ImageAvailable Semaphore
	InFlight       Fence
}

func NewFrameCommandData(c *DeviceContext) (*FrameCommandData, error) {
	drv := c.driver
	f := &FrameCommandData{ctx: c}
	var err error
	f.Pool, err = drv.CreateCommandPool(c.device, c.graphics.Family,
		vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateResetCommandBufferBit))
	if err != nil {
		return nil, errors.Wrap(err, "create frame command pool")
	}
	if f.Commands, err = drv.AllocateCommandBuffer(c.device, f.Pool); err != nil {
		f.Destroy()
		return nil, errors.Wrap(err, "allocate frame command buffer")
	}
	if f.ImageAvailable, err = drv.CreateSemaphore(c.device); err != nil {
		f.Destroy()
		return nil, errors.Wrap(err, "create image available semaphore")
	}
	// Signaled so the first Acquire does not wait forever.
	if f.InFlight, err = drv.CreateFence(c.device, true); err != nil {
		f.Destroy()
		return nil, errors.Wrap(err, "create in-flight fence")
	}
	return f, nil
}

func (f *FrameCommandData) Destroy() {
	drv, dev := f.ctx.driver, f.ctx.device
	if f.InFlight != 0 {
		drv.DestroyFence(dev, f.InFlight)
	}
	if f.ImageAvailable != 0 {
		drv.DestroySemaphore(dev, f.ImageAvailable)
	}
	if f.Pool != 0 {
		drv.DestroyCommandPool(dev, f.Pool)
	}
	*f = FrameCommandData{ctx: f.ctx}
}

// Acquire waits for the slot's previous submission and acquires the next
// swapchain image. Every out-of-date result triggers onResize and a retry.
func (f *FrameCommandData) Acquire(onResize ResizeHandler) (uint32, error) {
	c := f.ctx
	drv := c.driver
	if err := drv.WaitFence(c.device, f.InFlight, NoTimeout); err != nil {
		return 0, errors.Wrap(err, "wait in-flight fence")
	}
	var index uint32
	for {
		var res vulkan.Result
		index, res = drv.AcquireNextImage(c.device, c.chain.Handle, NoTimeout, f.ImageAvailable)
		if res == vulkan.ErrorOutOfDate {
			if err := onResize.HandleResize(); err != nil {
				return 0, errors.Wrap(err, "resize after out-of-date acquire")
			}
			continue
		}
		if res != vulkan.Success && res != vulkan.Suboptimal {
			return 0, errors.Wrap(resultError(res), "acquire next image")
		}
		break
	}
	if err := drv.ResetFence(c.device, f.InFlight); err != nil {
		return 0, errors.Wrap(err, "reset in-flight fence")
	}
	return index, nil
}

// Begin resets the slot's pool and starts recording.
func (f *FrameCommandData) Begin() error {
	drv := f.ctx.driver
	if err := drv.ResetCommandPool(f.ctx.device, f.Pool); err != nil {
		return errors.Wrap(err, "reset frame command pool")
	}
	if err := drv.BeginCommandBuffer(f.Commands, 0); err != nil {
		return errors.Wrap(err, "begin frame command buffer")
	}
	return nil
}

func (f *FrameCommandData) End() error {
	if err := f.ctx.driver.EndCommandBuffer(f.Commands); err != nil {
		return errors.Wrap(err, "end frame command buffer")
	}
	return nil
}

// Submit queues the recorded commands on the graphics queue. They wait for
// the acquired image and signal its render-done semaphore and the slot fence.
func (f *FrameCommandData) Submit(imageIndex uint32) error {
	c := f.ctx
	if int(imageIndex) >= len(c.chain.Images) {
		return errors.AssertionFailedf("image index %d out of range for %d swapchain images", imageIndex, len(c.chain.Images))
	}
	submit := SubmitInfo{
		Wait:       []Semaphore{f.ImageAvailable},
		WaitStages: []vulkan.PipelineStageFlags{vulkan.PipelineStageFlags(vulkan.PipelineStageAllCommandsBit)},
		Commands:   []CommandBuffer{f.Commands},
		Signal:     []Semaphore{c.chain.Images[imageIndex].RenderDone},
	}
	if err := c.driver.QueueSubmit(c.graphics.Queue, []SubmitInfo{submit}, f.InFlight); err != nil {
		return errors.Wrap(err, "submit frame")
	}
	return nil
}

// Present queues imageIndex for presentation. A stale or suboptimal
// swapchain calls onResize and reports false without an error.
func (f *FrameCommandData) Present(imageIndex uint32, onResize ResizeHandler) (bool, error) {
	c := f.ctx
	if int(imageIndex) >= len(c.chain.Images) {
		return false, errors.AssertionFailedf("image index %d out of range for %d swapchain images", imageIndex, len(c.chain.Images))
	}
	res := c.driver.QueuePresent(c.present.Queue, PresentInfo{
		Wait:       []Semaphore{c.chain.Images[imageIndex].RenderDone},
		Swapchain:  c.chain.Handle,
		ImageIndex: imageIndex,
	})
	switch res {
	case vulkan.Success:
		return true, nil
	case vulkan.ErrorOutOfDate, vulkan.Suboptimal:
		if err := onResize.HandleResize(); err != nil {
			return false, errors.Wrap(err, "resize after present")
		}
		return false, nil
	default:
		return false, errors.Wrap(resultError(res), "present")
	}
}
