package gpu

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

// DefaultDepthFormat is used by DepthImages unless told otherwise.
const DefaultDepthFormat = vulkan.FormatD32Sfloat

type TransitionKind int

const (
	UndefinedToColor TransitionKind = iota
	ColorToPresent
	UndefinedToDepth
)

func (k TransitionKind) String() string {
	switch k {
	case UndefinedToColor:
		return "undefined->color"
	case ColorToPresent:
		return "color->present"
	case UndefinedToDepth:
		return "undefined->depth"
	default:
		return "unknown"
	}
}

// ImageTransition is a layout change ready to be recorded.
type ImageTransition struct {
	Barrier  ImageBarrier
	SrcStage vulkan.PipelineStageFlags
	DstStage vulkan.PipelineStageFlags
}

// NewImageTransition returns the barrier and stages for kind. It panics on a
// kind it does not know.
func NewImageTransition(img Image, kind TransitionKind) ImageTransition {
	b := ImageBarrier{
		SrcFamily: QueueFamilyIgnored,
		DstFamily: QueueFamilyIgnored,
		Image:     img,
		MipLevels: 1,
	}
	var t ImageTransition
	switch kind {
	case UndefinedToColor:
		b.OldLayout = vulkan.ImageLayoutUndefined
		b.NewLayout = vulkan.ImageLayoutColorAttachmentOptimal
		b.DstAccess = vulkan.AccessFlags(vulkan.AccessColorAttachmentWriteBit)
		b.Aspect = vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit)
		t.SrcStage = vulkan.PipelineStageFlags(vulkan.PipelineStageTopOfPipeBit)
		t.DstStage = vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit)
	case ColorToPresent:
		b.OldLayout = vulkan.ImageLayoutColorAttachmentOptimal
		b.NewLayout = vulkan.ImageLayoutPresentSrc
		b.SrcAccess = vulkan.AccessFlags(vulkan.AccessColorAttachmentWriteBit)
		b.Aspect = vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit)
		t.SrcStage = vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit)
		t.DstStage = vulkan.PipelineStageFlags(vulkan.PipelineStageBottomOfPipeBit)
	case UndefinedToDepth:
		b.OldLayout = vulkan.ImageLayoutUndefined
		b.NewLayout = ImageLayoutDepthAttachmentOptimal
		b.DstAccess = vulkan.AccessFlags(vulkan.AccessDepthStencilAttachmentWriteBit | vulkan.AccessDepthStencilAttachmentReadBit)
		b.Aspect = vulkan.ImageAspectFlags(vulkan.ImageAspectDepthBit)
		t.SrcStage = vulkan.PipelineStageFlags(vulkan.PipelineStageTopOfPipeBit)
		t.DstStage = vulkan.PipelineStageFlags(vulkan.PipelineStageEarlyFragmentTestsBit | vulkan.PipelineStageLateFragmentTestsBit)
	default:
		panic(errors.AssertionFailedf("unknown image transition kind %d", int(kind)))
	}
	t.Barrier = b
	return t
}

// TransitionImage records a single layout transition into cb.
func (c *DeviceContext) TransitionImage(cb CommandBuffer, img Image, kind TransitionKind) {
	t := NewImageTransition(img, kind)
	c.driver.CmdPipelineBarrier(cb, t.SrcStage, t.DstStage, nil, []ImageBarrier{t.Barrier})
}

// DeviceImage is an image with its view and, when owned, its memory.
type DeviceImage struct {
	Image      Image
	View       ImageView
	Allocation *Allocation
	Format     vulkan.Format
	Extent     Extent3D
	MipLevels  uint32
	Aspect     vulkan.ImageAspectFlags
	Layout     vulkan.ImageLayout
	Ownership  Ownership
}

// CreateImage creates a device-local 2D image with optimal tiling and a view
// covering all of its mip levels.
func (c *DeviceContext) CreateImage(extent Extent3D, format vulkan.Format, usage vulkan.ImageUsageFlags,
	aspect vulkan.ImageAspectFlags, mipLevels uint32, samples vulkan.SampleCountFlagBits) (*DeviceImage, error) {
	if mipLevels == 0 {
		mipLevels = 1
	}
	if samples == 0 {
		samples = vulkan.SampleCount1Bit
	}
	img, alloc, err := c.allocator.createImage(ImageInfo{
		Extent:    extent,
		Format:    format,
		Usage:     usage,
		MipLevels: mipLevels,
		Samples:   samples,
	})
	if err != nil {
		return nil, allocError(err, "create image")
	}
	view, err := c.driver.CreateImageView(c.device, ImageViewInfo{
		Image:     img,
		Format:    format,
		Aspect:    aspect,
		MipLevels: mipLevels,
	})
	if err != nil {
		c.allocator.destroyImage(img, alloc)
		return nil, allocError(err, "create image view")
	}
	return &DeviceImage{
		Image:      img,
		View:       view,
		Allocation: alloc,
		Format:     format,
		Extent:     extent,
		MipLevels:  mipLevels,
		Aspect:     aspect,
		Layout:     vulkan.ImageLayoutUndefined,
		Ownership:  Owned,
	}, nil
}

// DestroyImage releases the view, and the image and its memory when owned.
func (c *DeviceContext) DestroyImage(img *DeviceImage) {
	if img == nil {
		return
	}
	if img.View != 0 {
		c.driver.DestroyImageView(c.device, img.View)
	}
	if img.Ownership == Owned && img.Image != 0 {
		c.allocator.destroyImage(img.Image, img.Allocation)
	}
	*img = DeviceImage{}
}

// DepthImages keeps one depth attachment per frame in flight, sized to the
// swapchain.
type DepthImages struct {
	ctx    *DeviceContext
	Format vulkan.Format
	images []*DeviceImage
}

func NewDepthImages(c *DeviceContext) *DepthImages {
	return &DepthImages{ctx: c, Format: DefaultDepthFormat}
}

func (d *DepthImages) Images() []*DeviceImage {
	return d.images
}

// Recreate replaces the depth images with n new ones matching the current
// swapchain extent, already transitioned for depth attachment use.
func (d *DepthImages) Recreate(n int) error {
	c := d.ctx
	drv := c.driver
	if err := drv.WaitIdle(c.device); err != nil {
		return errors.Wrap(err, "wait idle before depth recreation")
	}
	d.destroyImages()

	pool, err := drv.CreateCommandPool(c.device, c.graphics.Family, vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateTransientBit))
	if err != nil {
		return errors.Wrap(err, "create depth command pool")
	}
	defer drv.DestroyCommandPool(c.device, pool)
	cb, err := drv.AllocateCommandBuffer(c.device, pool)
	if err != nil {
		return errors.Wrap(err, "allocate depth command buffer")
	}
	if err := drv.BeginCommandBuffer(cb, vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageOneTimeSubmitBit)); err != nil {
		return errors.Wrap(err, "begin depth command buffer")
	}

	extent := Extent3D{Width: c.chain.Extent.Width, Height: c.chain.Extent.Height, Depth: 1}
	for i := 0; i < n; i++ {
		img, err := c.CreateImage(extent, d.Format,
			vulkan.ImageUsageFlags(vulkan.ImageUsageDepthStencilAttachmentBit),
			vulkan.ImageAspectFlags(vulkan.ImageAspectDepthBit), 1, vulkan.SampleCount1Bit)
		if err != nil {
			d.destroyImages()
			return err
		}
		d.images = append(d.images, img)
		c.TransitionImage(cb, img.Image, UndefinedToDepth)
	}

	if err := drv.EndCommandBuffer(cb); err != nil {
		d.destroyImages()
		return errors.Wrap(err, "end depth command buffer")
	}
	if err := drv.QueueSubmit(c.graphics.Queue, []SubmitInfo{{Commands: []CommandBuffer{cb}}}, 0); err != nil {
		d.destroyImages()
		return errors.Wrap(err, "submit depth transitions")
	}
	if err := drv.QueueWaitIdle(c.graphics.Queue); err != nil {
		d.destroyImages()
		return errors.Wrap(err, "wait for depth transitions")
	}
	for _, img := range d.images {
		img.Layout = ImageLayoutDepthAttachmentOptimal
	}
	c.logger.Debug("depth images recreated",
		slog.Int("count", n),
		slog.Int("width", int(extent.Width)),
		slog.Int("height", int(extent.Height)))
	return nil
}

func (d *DepthImages) destroyImages() {
	for _, img := range d.images {
		d.ctx.DestroyImage(img)
	}
	d.images = nil
}

func (d *DepthImages) Destroy() {
	d.destroyImages()
}
