package gpu_test

import (
	"slices"
	"testing"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want gpu.Version
		ok   bool
	}{
		{"1.3", gpu.Version{Major: 1, Minor: 3}, true},
		{" 1.4 ", gpu.Version{Major: 1, Minor: 4}, true},
		{"1", gpu.Version{}, false},
		{"0.9", gpu.Version{}, false},
		{"1.x", gpu.Version{}, false},
		{"", gpu.Version{}, false},
	}
	for _, tt := range tests {
		got, ok := gpu.ParseVersion(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseVersion(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("VK_VALIDATION", "0")
	t.Setenv("VK_API_VERSION", "1.3")
	cfg := gpu.ConfigFromEnv()
	if cfg.Validation {
		t.Error("VK_VALIDATION=0 left validation on")
	}
	if cfg.APIVersion != (gpu.Version{Major: 1, Minor: 3}) {
		t.Errorf("api version %v", cfg.APIVersion)
	}
	if cfg.APIVersion.Vulkan() != vulkan.MakeVersion(1, 3, 0) {
		t.Error("Vulkan() does not pack the version")
	}

	t.Setenv("VK_VALIDATION", "")
	t.Setenv("VK_API_VERSION", "garbage")
	cfg = gpu.ConfigFromEnv()
	if !cfg.Validation || cfg.APIVersion != (gpu.Version{Major: 1, Minor: 4}) {
		t.Errorf("defaults not kept: validation %v api %v", cfg.Validation, cfg.APIVersion)
	}
}

func TestValidationFromEnv(t *testing.T) {
	for val, want := range map[string]bool{"": true, "1": true, "true": true, "false": false, "FALSE": false, "0": false} {
		t.Setenv("VK_VALIDATION", val)
		if got := gpu.ValidationFromEnv(); got != want {
			t.Errorf("VK_VALIDATION=%q gave %v", val, got)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := gpu.DefaultConfig()
	if cfg.AppName != "ProApp" || cfg.EngineName != "ProEngine" {
		t.Errorf("names %q %q", cfg.AppName, cfg.EngineName)
	}
	if cfg.SurfaceFormat.Format != vulkan.FormatB8g8r8a8Unorm || cfg.SurfaceFormat.ColorSpace != vulkan.ColorSpaceSrgbNonlinear {
		t.Errorf("surface format %+v", cfg.SurfaceFormat)
	}
	if !cfg.RequireCompute || !cfg.RequireTransfer {
		t.Error("compute and transfer queues should be required by default")
	}
	if !slices.Contains(cfg.Features.Vulkan12, "separateDepthStencilLayouts") {
		t.Errorf("Vulkan 1.2 features %v lack the depth-only layout", cfg.Features.Vulkan12)
	}
}

func TestSwapchainChoices(t *testing.T) {
	caps := gpu.SurfaceCapabilities{
		MinImageCount:  2,
		MaxImageCount:  2,
		CurrentExtent:  gpu.Extent2D{Width: vulkan.MaxUint32, Height: vulkan.MaxUint32},
		MinImageExtent: gpu.Extent2D{Width: 100, Height: 100},
		MaxImageExtent: gpu.Extent2D{Width: 1000, Height: 1000},
	}
	if n := gpu.ChooseImageCount(caps); n != 2 {
		t.Errorf("image count %d, want clamp to 2", n)
	}
	caps.MaxImageCount = 0
	if n := gpu.ChooseImageCount(caps); n != 3 {
		t.Errorf("image count %d with no maximum", n)
	}

	ext := gpu.ChooseExtent(caps, sizer{2000, 50})
	if ext != (gpu.Extent2D{Width: 1000, Height: 100}) {
		t.Errorf("extent %+v not clamped", ext)
	}
	caps.CurrentExtent = gpu.Extent2D{Width: 640, Height: 480}
	if ext := gpu.ChooseExtent(caps, sizer{2000, 50}); ext != caps.CurrentExtent {
		t.Errorf("extent %+v ignores the surface", ext)
	}

	if m := gpu.ChoosePresentMode([]vulkan.PresentMode{vulkan.PresentModeImmediate}); m != vulkan.PresentModeFifo {
		t.Errorf("present mode %d without mailbox", m)
	}
}

type sizer [2]int

func (s sizer) FramebufferSize() (int, int) { return s[0], s[1] }
