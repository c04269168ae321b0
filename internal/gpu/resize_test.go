package gpu_test

import (
	"testing"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
)

func TestSwapchainResizerWaitsForDrawable(t *testing.T) {
	d := gputest.New()
	ctx := newContext(t, d)
	depth := gpu.NewDepthImages(ctx)
	if err := depth.Recreate(2); err != nil {
		t.Fatal(err)
	}

	win := ctx.Config().Window.(*gputest.Window)
	win.Sizes = [][2]int{{0, 0}, {0, 0}}
	win.Width, win.Height = 1024, 768
	d.Caps.CurrentExtent = gpu.Extent2D{Width: 1024, Height: 768}

	resized := 0
	r := &gpu.SwapchainResizer{
		Context:        ctx,
		Depth:          depth,
		FramesInFlight: 2,
		Resized:        func() error { resized++; return nil },
	}
	if err := r.HandleResize(); err != nil {
		t.Fatalf("HandleResize: %v", err)
	}
	if win.Waits != 2 {
		t.Errorf("waited for events %d times, want 2", win.Waits)
	}
	if resized != 1 {
		t.Errorf("resized callback ran %d times", resized)
	}
	for _, img := range depth.Images() {
		if img.Extent.Width != 1024 || img.Extent.Height != 768 {
			t.Errorf("depth image extent %+v", img.Extent)
		}
	}
	if len(depth.Images()) != 2 {
		t.Errorf("%d depth images", len(depth.Images()))
	}

	depth.Destroy()
	ctx.Destroy()
	checkClean(t, d)
}

func TestAcquireDrivesResizer(t *testing.T) {
	d := gputest.New()
	ctx := newContext(t, d)
	frame, err := gpu.NewFrameCommandData(ctx)
	if err != nil {
		t.Fatal(err)
	}
	depth := gpu.NewDepthImages(ctx)
	r := &gpu.SwapchainResizer{Context: ctx, Depth: depth, FramesInFlight: 2}

	oldChain := ctx.Swapchain().Handle
	d.AcquireResults = []vulkan.Result{vulkan.ErrorOutOfDate}
	if _, err := frame.Acquire(r); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ctx.Swapchain().Handle == oldChain {
		t.Error("swapchain not rebuilt after out-of-date acquire")
	}
	if len(depth.Images()) != 2 {
		t.Errorf("depth images not rebuilt")
	}

	depth.Destroy()
	frame.Destroy()
	ctx.Destroy()
	checkClean(t, d)
}
