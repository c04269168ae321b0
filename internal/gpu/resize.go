package gpu

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

// SwapchainResizer is the usual ResizeHandler: wait until the window has a
// drawable size, rebuild the swapchain, then the depth images.
type SwapchainResizer struct {
	Context        *DeviceContext
	Depth          *DepthImages
	FramesInFlight int
	// Resized, when set, runs after both chains are rebuilt so callers can
	// recreate extent-dependent state such as framebuffers.
	Resized func() error
}

func (r *SwapchainResizer) HandleResize() error {
	r.Context.WaitForDrawable()
	if err := r.Context.RecreateSwapchain(); err != nil {
		return err
	}
	if r.Depth != nil {
		if err := r.Depth.Recreate(r.FramesInFlight); err != nil {
			return errors.Wrap(err, "recreate depth images")
		}
	}
	if r.Resized != nil {
		if err := r.Resized(); err != nil {
			return err
		}
	}
	ext := r.Context.Swapchain().Extent
	r.Context.Logger().Info("swapchain resized",
		slog.Int("width", int(ext.Width)),
		slog.Int("height", int(ext.Height)))
	return nil
}
