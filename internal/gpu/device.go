package gpu

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// DeviceContext owns the instance, surface, logical device, allocator and
// image chain, and knows which queue serves which role. Every handle stays
// valid until Destroy except the swapchain, which RecreateSwapchain replaces.
type DeviceContext struct {
	driver Driver
	cfg    Config
	logger *slog.Logger

	instance Instance
	surface  Surface
	physical PhysicalDeviceInfo
	device   Device

	graphics QueueRecord
	present  QueueRecord
	compute  QueueRecord
	transfer QueueRecord

	chain     ImageChain
	allocator *Allocator
	destroyed bool
}

// NewDeviceContext brings up everything needed to render to cfg.Surface.
// If any stage fails, whatever was already created is released in reverse
// order and the returned error is marked ErrInit.
func NewDeviceContext(d Driver, cfg Config) (*DeviceContext, error) {
	if cfg.Surface == nil {
		return nil, errors.Mark(errors.AssertionFailedf("gpu: config has no surface provider"), ErrInit)
	}
	c := &DeviceContext{
		driver: d,
		cfg:    cfg,
		logger: cfg.logger().With(slog.String("component", "device")),
	}

	var cleanup []func()
	fail := func(err error, stage string) (*DeviceContext, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		attrs := []any{slog.String("stage", stage), slog.Any("error", err)}
		if c.physical.Name != "" {
			attrs = append(attrs,
				slog.String("device", c.physical.Name),
				slog.String("deviceApi", versionString(c.physical.APIVersion)))
		}
		attrs = append(attrs, slog.String("requestedApi", cfg.APIVersion.String()))
		c.logger.Error("device context initialization failed", attrs...)
		return nil, initError(err, stage)
	}

	var err error
	c.instance, err = d.CreateInstance(InstanceInfo{
		AppName:    cfg.AppName,
		EngineName: cfg.EngineName,
		APIVersion: cfg.APIVersion.Vulkan(),
		Extensions: cfg.InstanceExtensions,
		Validation: cfg.Validation,
	})
	if err != nil {
		return fail(err, "create instance")
	}
	cleanup = append(cleanup, func() { d.DestroyInstance(c.instance) })

	c.surface, err = cfg.Surface.CreateSurface(c.instance)
	if err != nil {
		return fail(err, "create surface")
	}
	cleanup = append(cleanup, func() { d.DestroySurface(c.instance, c.surface) })

	devices, err := d.PhysicalDevices(c.instance, c.surface)
	if err != nil {
		return fail(err, "enumerate physical devices")
	}
	req := deviceRequirements{
		minVersion: cfg.APIVersion.Vulkan(),
		extensions: append([]string{swapchainExtension}, cfg.Extensions...),
		features:   cfg.Features,
	}
	c.physical, err = selectPhysicalDevice(devices, req, c.surfaceSupported)
	if err != nil {
		return fail(err, "select physical device")
	}
	c.logger.Info("selected physical device",
		slog.String("name", c.physical.Name),
		slog.String("type", deviceTypeString(c.physical.Type)),
		slog.String("api", versionString(c.physical.APIVersion)))

	var families []uint32
	for _, f := range c.physical.QueueFamilies {
		if f.Count > 0 {
			families = append(families, f.Index)
		}
	}
	c.device, err = d.CreateDevice(c.physical.Handle, DeviceInfo{
		Families:   families,
		Extensions: req.extensions,
		Features:   cfg.Features,
	})
	if err != nil {
		return fail(err, "create logical device")
	}
	cleanup = append(cleanup, func() { d.DestroyDevice(c.device) })

	if err := c.resolveQueues(); err != nil {
		return fail(err, "resolve queues")
	}

	c.chain, err = c.createImageChain()
	if err != nil {
		return fail(err, "create swapchain")
	}
	cleanup = append(cleanup, func() { c.destroyImageChain(&c.chain) })

	c.allocator = NewAllocator(d, c.device, c.physical, c.cfg.logger())
	return c, nil
}

func (c *DeviceContext) surfaceSupported(pd PhysicalDeviceInfo) error {
	formats, err := c.driver.SurfaceFormats(pd.Handle, c.surface)
	if err != nil {
		return err
	}
	modes, err := c.driver.PresentModes(pd.Handle, c.surface)
	if err != nil {
		return err
	}
	if len(formats) == 0 || len(modes) == 0 {
		return errors.New("surface has no formats or present modes")
	}
	return nil
}

func (c *DeviceContext) resolveQueues() error {
	r := QueueResolver{Driver: c.driver, Device: c.device, Families: c.physical.QueueFamilies}
	var err error
	if c.graphics, err = r.Resolve(RoleGraphics); err != nil {
		return err
	}
	if c.present, err = r.Resolve(RolePresent); err != nil {
		return err
	}
	if c.compute, err = c.resolveOptional(r, RoleCompute, c.cfg.RequireCompute); err != nil {
		return err
	}
	if c.transfer, err = c.resolveOptional(r, RoleTransfer, c.cfg.RequireTransfer); err != nil {
		return err
	}
	for _, q := range []QueueRecord{c.graphics, c.present, c.compute, c.transfer} {
		c.logger.Info("queue resolved",
			slog.String("role", q.Role.String()),
			slog.Int("family", int(q.Family)),
			slog.Bool("dedicated", q.Dedicated))
	}
	return nil
}

func (c *DeviceContext) resolveOptional(r QueueResolver, role QueueRole, required bool) (QueueRecord, error) {
	rec, err := r.Resolve(role)
	if err == nil {
		return rec, nil
	}
	if required || !errors.Is(err, ErrNoQueue) {
		return QueueRecord{}, err
	}
	c.logger.Warn("queue role unavailable, sharing the graphics queue", slog.String("role", role.String()))
	rec = c.graphics
	rec.Role = role
	rec.Dedicated = false
	return rec, nil
}

// RecreateSwapchain waits for the device to go idle and rebuilds the image
// chain against the surface's current capabilities. Depth images sized to
// the old extent must be recreated by the caller afterwards.
func (c *DeviceContext) RecreateSwapchain() error {
	if err := c.driver.WaitIdle(c.device); err != nil {
		return initError(err, "wait idle before swapchain recreation")
	}
	c.destroyImageChain(&c.chain)
	chain, err := c.createImageChain()
	if err != nil {
		return initError(err, "recreate swapchain")
	}
	c.chain = chain
	return nil
}

// WaitForDrawable blocks while the window reports a zero-sized framebuffer.
func (c *DeviceContext) WaitForDrawable() {
	if c.cfg.Window == nil {
		return
	}
	waiter, _ := c.cfg.Window.(EventWaiter)
	for {
		w, h := c.cfg.Window.FramebufferSize()
		if w != 0 && h != 0 {
			return
		}
		if waiter != nil {
			waiter.WaitEvents()
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (c *DeviceContext) Destroy() {
	if c == nil || c.destroyed {
		return
	}
	c.destroyed = true
	if err := c.driver.WaitIdle(c.device); err != nil {
		c.logger.Warn("wait idle on destroy", slog.Any("error", err))
	}
	c.allocator.Destroy()
	c.destroyImageChain(&c.chain)
	c.driver.DestroyDevice(c.device)
	c.driver.DestroySurface(c.instance, c.surface)
	c.driver.DestroyInstance(c.instance)
}

func (c *DeviceContext) Driver() Driver                     { return c.driver }
func (c *DeviceContext) Config() Config                     { return c.cfg }
func (c *DeviceContext) Logger() *slog.Logger               { return c.logger }
func (c *DeviceContext) Instance() Instance                 { return c.instance }
func (c *DeviceContext) Surface() Surface                   { return c.surface }
func (c *DeviceContext) PhysicalDevice() PhysicalDeviceInfo { return c.physical }
func (c *DeviceContext) Device() Device                     { return c.device }
func (c *DeviceContext) GraphicsQueue() QueueRecord         { return c.graphics }
func (c *DeviceContext) PresentQueue() QueueRecord          { return c.present }
func (c *DeviceContext) ComputeQueue() QueueRecord          { return c.compute }
func (c *DeviceContext) TransferQueue() QueueRecord         { return c.transfer }
func (c *DeviceContext) Swapchain() *ImageChain             { return &c.chain }
func (c *DeviceContext) Allocator() *Allocator              { return c.allocator }

// IsComputeDedicated reports whether compute work runs on a queue other
// than the graphics queue.
func (c *DeviceContext) IsComputeDedicated() bool {
	return c.compute.Queue != c.graphics.Queue
}

func (c *DeviceContext) IsTransferDedicated() bool {
	return c.transfer.Queue != c.graphics.Queue
}
