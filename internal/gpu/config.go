package gpu

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/vulkan-go/vulkan"
)

// SurfaceProvider creates the platform surface once the instance exists.
type SurfaceProvider interface {
	CreateSurface(inst Instance) (Surface, error)
}

// SurfaceFunc adapts a plain function to SurfaceProvider.
type SurfaceFunc func(inst Instance) (Surface, error)

func (f SurfaceFunc) CreateSurface(inst Instance) (Surface, error) { return f(inst) }

// WindowSizer reports the current drawable size in pixels. A (0,0) size
// means the window is minimized.
type WindowSizer interface {
	FramebufferSize() (width, height int)
}

// EventWaiter is implemented by windows that can block until the next
// windowing event instead of being polled.
type EventWaiter interface {
	WaitEvents()
}

type Version struct {
	Major, Minor int
}

func (v Version) Vulkan() uint32 {
	return vulkan.MakeVersion(v.Major, v.Minor, 0)
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Features lists required device features by their Vulkan field name,
// grouped by the struct that carries them.
type Features struct {
	Base     []string
	Vulkan12 []string
	Vulkan13 []string
}

func (f Features) all() []string {
	out := make([]string, 0, len(f.Base)+len(f.Vulkan12)+len(f.Vulkan13))
	out = append(out, f.Base...)
	out = append(out, f.Vulkan12...)
	return append(out, f.Vulkan13...)
}

type Config struct {
	AppName    string
	EngineName string
	APIVersion Version
	Features   Features
	// Extensions are required device extensions. The swapchain extension
	// is always added.
	Extensions         []string
	InstanceExtensions []string

	Surface       SurfaceProvider
	Window        WindowSizer
	SurfaceFormat SurfaceFormat

	RequireCompute  bool
	RequireTransfer bool
	Validation      bool

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		AppName:    "ProApp",
		EngineName: "ProEngine",
		APIVersion: Version{Major: 1, Minor: 4},
		Features: Features{
			Base: []string{"samplerAnisotropy"},
			// Depth images are kept in DepthAttachmentOptimal, a layout that
			// only exists with separate depth/stencil layouts.
			Vulkan12: []string{"separateDepthStencilLayouts"},
			Vulkan13: []string{"dynamicRendering", "synchronization2"},
		},
		// Linear storage, gamma applied at presentation.
		SurfaceFormat: SurfaceFormat{
			Format:     vulkan.FormatB8g8r8a8Unorm,
			ColorSpace: vulkan.ColorSpaceSrgbNonlinear,
		},
		RequireCompute:  true,
		RequireTransfer: true,
		Validation:      true,
	}
}

// ConfigFromEnv returns DefaultConfig adjusted by VK_VALIDATION and
// VK_API_VERSION.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Validation = validationFromEnv()
	if v, ok := parseVersion(os.Getenv("VK_API_VERSION")); ok {
		cfg.APIVersion = v
	}
	return cfg
}

func validationFromEnv() bool {
	val := os.Getenv("VK_VALIDATION")
	if val == "" {
		return true
	}
	switch val {
	case "0", "false", "False", "FALSE":
		return false
	default:
		return true
	}
}

func parseVersion(s string) (Version, bool) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, false
	}
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 1 {
		return Version{}, false
	}
	mi, err := strconv.Atoi(minor)
	if err != nil || mi < 0 {
		return Version{}, false
	}
	return Version{Major: ma, Minor: mi}, true
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func versionString(v uint32) string {
	return strconv.Itoa(int(v>>22)) + "." + strconv.Itoa(int((v>>12)&0x3ff)) + "." + strconv.Itoa(int(v&0xfff))
}
