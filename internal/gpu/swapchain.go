package gpu

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

// SwapImage is one presentable image. The image belongs to the swapchain;
// the view and the render-done semaphore belong to the chain.
type SwapImage struct {
	Image      Image
	View       ImageView
	RenderDone Semaphore
	Ownership  Ownership
}

// ImageChain is the swapchain together with its per-image resources. It is
// always rebuilt as a whole.
type ImageChain struct {
	Handle      Swapchain
	Images      []SwapImage
	Extent      Extent2D
	Format      SurfaceFormat
	PresentMode vulkan.PresentMode
}

func chooseSurfaceFormat(formats []SurfaceFormat, want SurfaceFormat) SurfaceFormat {
	for _, f := range formats {
		if f == want {
			return f
		}
	}
	return formats[0]
}

func choosePresentMode(modes []vulkan.PresentMode) vulkan.PresentMode {
	for _, m := range modes {
		if m == vulkan.PresentModeMailbox {
			return m
		}
	}
	return vulkan.PresentModeFifo
}

func chooseExtent(caps SurfaceCapabilities, window WindowSizer) Extent2D {
	if caps.CurrentExtent.Width != vulkan.MaxUint32 {
		return caps.CurrentExtent
	}
	var w, h int
	if window != nil {
		w, h = window.FramebufferSize()
	}
	return Extent2D{
		Width:  clamp(uint32(w), caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(uint32(h), caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func chooseImageCount(caps SurfaceCapabilities) uint32 {
	n := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && n > caps.MaxImageCount {
		n = caps.MaxImageCount
	}
	return n
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// createImageChain builds the swapchain and one view and render-done
// semaphore per image. On failure nothing is left behind.
func (c *DeviceContext) createImageChain() (ImageChain, error) {
	caps, err := c.driver.SurfaceCapabilities(c.physical.Handle, c.surface)
	if err != nil {
		return ImageChain{}, errors.Wrap(err, "surface capabilities")
	}
	formats, err := c.driver.SurfaceFormats(c.physical.Handle, c.surface)
	if err != nil {
		return ImageChain{}, errors.Wrap(err, "surface formats")
	}
	if len(formats) == 0 {
		return ImageChain{}, errors.New("surface reports no formats")
	}
	modes, err := c.driver.PresentModes(c.physical.Handle, c.surface)
	if err != nil {
		return ImageChain{}, errors.Wrap(err, "present modes")
	}

	chain := ImageChain{
		Format:      chooseSurfaceFormat(formats, c.cfg.SurfaceFormat),
		PresentMode: choosePresentMode(modes),
		Extent:      chooseExtent(caps, c.cfg.Window),
	}
	info := SwapchainInfo{
		Surface:       c.surface,
		MinImageCount: chooseImageCount(caps),
		Format:        chain.Format,
		Extent:        chain.Extent,
		Usage:         vulkan.ImageUsageFlags(vulkan.ImageUsageColorAttachmentBit),
		Transform:     caps.CurrentTransform,
		PresentMode:   chain.PresentMode,
		Families:      []uint32{c.graphics.Family},
	}
	if c.present.Family != c.graphics.Family {
		info.Families = append(info.Families, c.present.Family)
	}

	handle, images, err := c.driver.CreateSwapchain(c.device, info)
	if err != nil {
		return ImageChain{}, errors.Wrap(err, "create swapchain")
	}
	chain.Handle = handle
	for _, img := range images {
		swap := SwapImage{Image: img, Ownership: Borrowed}
		swap.View, err = c.driver.CreateImageView(c.device, ImageViewInfo{
			Image:     img,
			Format:    chain.Format.Format,
			Aspect:    vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
			MipLevels: 1,
		})
		if err != nil {
			c.destroyImageChain(&chain)
			return ImageChain{}, errors.Wrap(err, "create swapchain image view")
		}
		swap.RenderDone, err = c.driver.CreateSemaphore(c.device)
		if err != nil {
			c.driver.DestroyImageView(c.device, swap.View)
			c.destroyImageChain(&chain)
			return ImageChain{}, errors.Wrap(err, "create render semaphore")
		}
		chain.Images = append(chain.Images, swap)
	}

	c.logger.Info("swapchain created",
		slog.Int("images", len(chain.Images)),
		slog.Int("width", int(chain.Extent.Width)),
		slog.Int("height", int(chain.Extent.Height)),
		slog.Int("presentMode", int(chain.PresentMode)))
	return chain, nil
}

func (c *DeviceContext) destroyImageChain(chain *ImageChain) {
	for _, img := range chain.Images {
		c.driver.DestroySemaphore(c.device, img.RenderDone)
		c.driver.DestroyImageView(c.device, img.View)
	}
	if chain.Handle != 0 {
		c.driver.DestroySwapchain(c.device, chain.Handle)
	}
	*chain = ImageChain{}
}
