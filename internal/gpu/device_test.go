package gpu_test

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
)

func TestSingleFamilyDevice(t *testing.T) {
	d := gputest.New()
	ctx := newContext(t, d)

	gq := ctx.GraphicsQueue()
	for _, q := range []gpu.QueueRecord{ctx.PresentQueue(), ctx.ComputeQueue(), ctx.TransferQueue()} {
		if q.Queue != gq.Queue || q.Family != gq.Family {
			t.Errorf("%s queue %d/%d, want graphics %d/%d", q.Role, q.Queue, q.Family, gq.Queue, gq.Family)
		}
		if q.Dedicated {
			t.Errorf("%s reported dedicated on a single family device", q.Role)
		}
		if q.Ownership != gpu.Borrowed {
			t.Errorf("%s queue should be borrowed", q.Role)
		}
	}
	if ctx.IsComputeDedicated() || ctx.IsTransferDedicated() {
		t.Error("single family device reports dedicated queues")
	}

	chain := ctx.Swapchain()
	if len(chain.Images) != 3 {
		t.Errorf("got %d swapchain images, want 3", len(chain.Images))
	}
	if chain.Extent != (gpu.Extent2D{Width: 800, Height: 600}) {
		t.Errorf("extent %+v", chain.Extent)
	}
	if chain.PresentMode != vulkan.PresentModeMailbox {
		t.Errorf("present mode %d, want mailbox", chain.PresentMode)
	}
	if len(d.LastSwapchain.Families) != 1 {
		t.Errorf("swapchain shared across %v, want exclusive", d.LastSwapchain.Families)
	}
	if !reflect.DeepEqual(d.LastDevice.Families, []uint32{0}) {
		t.Errorf("device created with families %v", d.LastDevice.Families)
	}

	ctx.Destroy()
	ctx.Destroy()
	checkClean(t, d)
}

func TestDedicatedQueues(t *testing.T) {
	d := gputest.New(
		family(0, true, g, c, x),
		family(1, false, c, x),
		family(2, false, x),
	)
	ctx := newContext(t, d)
	defer ctx.Destroy()

	if !ctx.IsComputeDedicated() || !ctx.IsTransferDedicated() {
		t.Fatal("expected dedicated compute and transfer queues")
	}
	if ctx.ComputeQueue().Family != 1 || ctx.TransferQueue().Family != 2 {
		t.Errorf("compute family %d transfer family %d", ctx.ComputeQueue().Family, ctx.TransferQueue().Family)
	}
	if len(d.LastDevice.Families) != 3 {
		t.Errorf("expected one queue per family, got %v", d.LastDevice.Families)
	}
}

func TestSeparatePresentFamilySharesSwapchain(t *testing.T) {
	d := gputest.New(family(0, false, g, c, x), family(1, true, x))
	ctx := newContext(t, d)
	defer ctx.Destroy()

	if ctx.PresentQueue().Family != 1 {
		t.Fatalf("present family %d", ctx.PresentQueue().Family)
	}
	if !reflect.DeepEqual(d.LastSwapchain.Families, []uint32{0, 1}) {
		t.Errorf("swapchain families %v, want concurrent [0 1]", d.LastSwapchain.Families)
	}
}

func TestNilSurfaceProvider(t *testing.T) {
	d := gputest.New()
	cfg := testConfig(d)
	cfg.Surface = nil
	_, err := gpu.NewDeviceContext(d, cfg)
	if !errors.Is(err, gpu.ErrInit) {
		t.Fatalf("expected ErrInit, got %v", err)
	}
	if !errors.HasAssertionFailure(err) {
		t.Errorf("expected an assertion failure, got %v", err)
	}
	checkClean(t, d)
}

func TestInitFailureUnwinds(t *testing.T) {
	for _, method := range []string{
		"CreateInstance",
		"CreateSurface",
		"PhysicalDevices",
		"CreateDevice",
		"SurfaceCapabilities",
		"CreateSwapchain",
		"CreateImageView",
		"CreateSemaphore",
	} {
		t.Run(method, func(t *testing.T) {
			d := gputest.New()
			d.Fail[method] = errors.New("injected")
			_, err := gpu.NewDeviceContext(d, testConfig(d))
			if !errors.Is(err, gpu.ErrInit) {
				t.Fatalf("expected ErrInit, got %v", err)
			}
			checkClean(t, d)
		})
	}
}

func TestInitFailureUnwindOrder(t *testing.T) {
	d := gputest.New()
	d.Fail["CreateSwapchain"] = errors.New("injected")
	if _, err := gpu.NewDeviceContext(d, testConfig(d)); err == nil {
		t.Fatal("expected an error")
	}
	want := []string{gputest.KindDevice, gputest.KindSurface, gputest.KindInstance}
	if !reflect.DeepEqual(d.Destroyed, want) {
		t.Errorf("destroyed %v, want %v", d.Destroyed, want)
	}
}

func TestNoSuitableDevice(t *testing.T) {
	d := gputest.New()
	d.Devices[0].Features["dynamicRendering"] = false
	_, err := gpu.NewDeviceContext(d, testConfig(d))
	if !errors.Is(err, gpu.ErrNoDevice) || !errors.Is(err, gpu.ErrInit) {
		t.Fatalf("expected ErrNoDevice marked ErrInit, got %v", err)
	}
	checkClean(t, d)
}

func TestDevicePreference(t *testing.T) {
	d := gputest.New()
	d.Devices = []gpu.PhysicalDeviceInfo{
		gputest.Device("integrated", vulkan.PhysicalDeviceTypeIntegratedGpu, gputest.DefaultFamily),
		gputest.Device("discrete", vulkan.PhysicalDeviceTypeDiscreteGpu, gputest.DefaultFamily),
		gputest.Device("cpu", vulkan.PhysicalDeviceTypeCpu, gputest.DefaultFamily),
	}
	old := gputest.Device("old discrete", vulkan.PhysicalDeviceTypeDiscreteGpu, gputest.DefaultFamily)
	old.APIVersion = vulkan.MakeVersion(1, 2, 0)
	d.Devices = append([]gpu.PhysicalDeviceInfo{old}, d.Devices...)

	ctx := newContext(t, d)
	defer ctx.Destroy()
	if name := ctx.PhysicalDevice().Name; name != "discrete" {
		t.Errorf("selected %q", name)
	}
}

func TestOptionalQueueFallsBackToGraphics(t *testing.T) {
	d := gputest.New(family(0, true, g, x))
	cfg := testConfig(d)
	cfg.RequireCompute = false
	ctx, err := gpu.NewDeviceContext(d, cfg)
	if err != nil {
		t.Fatalf("NewDeviceContext: %v", err)
	}
	defer ctx.Destroy()
	cq := ctx.ComputeQueue()
	if cq.Queue != ctx.GraphicsQueue().Queue || cq.Role != gpu.RoleCompute {
		t.Errorf("compute record %+v does not alias graphics", cq)
	}

	d = gputest.New(family(0, true, g, x))
	_, err = gpu.NewDeviceContext(d, testConfig(d))
	if !errors.Is(err, gpu.ErrNoQueue) || !errors.Is(err, gpu.ErrInit) {
		t.Fatalf("expected ErrNoQueue marked ErrInit, got %v", err)
	}
	checkClean(t, d)
}

func TestRecreateSwapchainIdempotent(t *testing.T) {
	d := gputest.New()
	ctx := newContext(t, d)
	defer ctx.Destroy()

	before := d.LiveTotal()
	extent := ctx.Swapchain().Extent
	for i := 0; i < 2; i++ {
		if err := ctx.RecreateSwapchain(); err != nil {
			t.Fatalf("RecreateSwapchain: %v", err)
		}
	}
	if after := d.LiveTotal(); !reflect.DeepEqual(before, after) {
		t.Errorf("live objects changed from %v to %v", before, after)
	}
	if ctx.Swapchain().Extent != extent {
		t.Errorf("extent changed from %+v to %+v", extent, ctx.Swapchain().Extent)
	}
	if d.WaitIdles < 2 {
		t.Errorf("recreation did not wait for idle")
	}
}

func TestRecreateSwapchainFollowsSurface(t *testing.T) {
	d := gputest.New()
	ctx := newContext(t, d)
	defer ctx.Destroy()

	d.Caps.CurrentExtent = gpu.Extent2D{Width: 1024, Height: 768}
	if err := ctx.RecreateSwapchain(); err != nil {
		t.Fatalf("RecreateSwapchain: %v", err)
	}
	if got := ctx.Swapchain().Extent; got != (gpu.Extent2D{Width: 1024, Height: 768}) {
		t.Errorf("extent %+v", got)
	}
}

func TestWriteDiagnostics(t *testing.T) {
	d := gputest.New(family(0, true, g, c, x), family(1, false, x))
	ctx := newContext(t, d)
	defer ctx.Destroy()

	var buf bytes.Buffer
	if err := ctx.WriteDiagnostics(&buf); err != nil {
		t.Fatalf("WriteDiagnostics: %v", err)
	}
	var out struct {
		Name              string `json:"name"`
		TransferDedicated bool   `json:"transferDedicated"`
		Queues            []struct {
			Role   string `json:"role"`
			Family int    `json:"family"`
		} `json:"queues"`
		Heaps []struct {
			Size string `json:"size"`
		} `json:"heaps"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("diagnostics are not JSON: %v\n%s", err, buf.String())
	}
	if out.Name != "Fake GPU" || !out.TransferDedicated {
		t.Errorf("unexpected diagnostics %+v", out)
	}
	if len(out.Queues) != 4 || out.Queues[3].Role != "transfer" || out.Queues[3].Family != 1 {
		t.Errorf("queues %+v", out.Queues)
	}
	if len(out.Heaps) != 2 || out.Heaps[0].Size != "256MiB" {
		t.Errorf("heaps %+v", out.Heaps)
	}
	ctx.LogDiagnostics()
}
