package vkdriver

import (
	"context"
	"log/slog"
	"slices"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

const debugReportExtension = "VK_EXT_debug_report"

// baseFeatures maps feature names onto VkPhysicalDeviceFeatures fields.
var baseFeatures = map[string]func(*vulkan.PhysicalDeviceFeatures) *vulkan.Bool32{
	"robustBufferAccess":  func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.RobustBufferAccess },
	"fullDrawIndexUint32": func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.FullDrawIndexUint32 },
	"imageCubeArray":      func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.ImageCubeArray },
	"independentBlend":    func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.IndependentBlend },
	"geometryShader":      func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.GeometryShader },
	"tessellationShader":  func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.TessellationShader },
	"sampleRateShading":   func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.SampleRateShading },
	"multiDrawIndirect":   func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.MultiDrawIndirect },
	"depthClamp":          func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.DepthClamp },
	"depthBiasClamp":      func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.DepthBiasClamp },
	"fillModeNonSolid":    func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.FillModeNonSolid },
	"wideLines":           func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.WideLines },
	"largePoints":         func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.LargePoints },
	"samplerAnisotropy":   func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.SamplerAnisotropy },
	"textureCompressionBC": func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 {
		return &f.TextureCompressionBC
	},
	"shaderInt64":   func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.ShaderInt64 },
	"shaderFloat64": func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.ShaderFloat64 },
	"shaderInt16":   func(f *vulkan.PhysicalDeviceFeatures) *vulkan.Bool32 { return &f.ShaderInt16 },
}

// promotedFeature is a Vulkan 1.2 or 1.3 feature that older devices expose
// through an extension.
type promotedFeature struct {
	version   uint32
	extension string
}

var promotedFeatures = map[string]promotedFeature{
	"timelineSemaphore":           {vulkan.MakeVersion(1, 2, 0), "VK_KHR_timeline_semaphore"},
	"bufferDeviceAddress":         {vulkan.MakeVersion(1, 2, 0), "VK_KHR_buffer_device_address"},
	"descriptorIndexing":          {vulkan.MakeVersion(1, 2, 0), "VK_EXT_descriptor_indexing"},
	"scalarBlockLayout":           {vulkan.MakeVersion(1, 2, 0), "VK_EXT_scalar_block_layout"},
	"separateDepthStencilLayouts": {vulkan.MakeVersion(1, 2, 0), "VK_KHR_separate_depth_stencil_layouts"},
	"imagelessFramebuffer":        {vulkan.MakeVersion(1, 2, 0), "VK_KHR_imageless_framebuffer"},
	"dynamicRendering":            {vulkan.MakeVersion(1, 3, 0), "VK_KHR_dynamic_rendering"},
	"synchronization2":            {vulkan.MakeVersion(1, 3, 0), "VK_KHR_synchronization2"},
	"maintenance4":                {vulkan.MakeVersion(1, 3, 0), "VK_KHR_maintenance4"},
}

func (p promotedFeature) available(pd *physicalDevice) bool {
	return pd.apiVersion >= p.version || pd.extensions[p.extension]
}

func (d *Driver) CreateInstance(info gpu.InstanceInfo) (gpu.Instance, error) {
	layers := info.Validation
	if layers && !validationLayersSupported() {
		d.logger.Warn("validation layers requested but not installed, continuing without them",
			slog.Any("layers", validationLayers))
		layers = false
	}

	appInfo := vulkan.ApplicationInfo{
		SType:              vulkan.StructureTypeApplicationInfo,
		PApplicationName:   safeString(info.AppName),
		ApplicationVersion: vulkan.MakeVersion(1, 0, 0),
		PEngineName:        safeString(info.EngineName),
		EngineVersion:      vulkan.MakeVersion(1, 0, 0),
		ApiVersion:         info.APIVersion,
	}

	extensions := safeStrings(info.Extensions)
	if layers {
		extensions = append(extensions, safeString(debugReportExtension))
	}
	createInfo := vulkan.InstanceCreateInfo{
		SType:                   vulkan.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
	}
	if layers {
		names := safeStrings(validationLayers)
		createInfo.EnabledLayerCount = uint32(len(names))
		createInfo.PpEnabledLayerNames = names
	}

	var handle vulkan.Instance
	if res := vulkan.CreateInstance(&createInfo, nil, &handle); res != vulkan.Success {
		return 0, vkError("create instance", res)
	}
	if err := vulkan.InitInstance(handle); err != nil {
		vulkan.DestroyInstance(handle, nil)
		return 0, errors.Wrap(err, "load instance entry points")
	}

	inst := &instance{handle: handle, layers: layers}
	if layers {
		if err := d.setupDebugCallback(inst); err != nil {
			vulkan.DestroyInstance(handle, nil)
			return 0, err
		}
	}
	return gpu.Instance(d.h.put(inst)), nil
}

func validationLayersSupported() bool {
	var count uint32
	if vulkan.EnumerateInstanceLayerProperties(&count, nil) != vulkan.Success {
		return false
	}
	props := make([]vulkan.LayerProperties, count)
	if vulkan.EnumerateInstanceLayerProperties(&count, props) != vulkan.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vulkan.ToString(props[i].LayerName[:])] = true
	}
	for _, l := range validationLayers {
		if !supported[l] {
			return false
		}
	}
	return true
}

func (d *Driver) setupDebugCallback(inst *instance) error {
	logger := d.logger.With(slog.String("source", "validation"))
	createInfo := vulkan.DebugReportCallbackCreateInfo{
		SType: vulkan.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vulkan.DebugReportFlags(
			vulkan.DebugReportErrorBit |
				vulkan.DebugReportWarningBit |
				vulkan.DebugReportPerformanceWarningBit),
		PfnCallback: func(flags vulkan.DebugReportFlags, objectType vulkan.DebugReportObjectType, object uint64, location uint, messageCode int32, layerPrefix string, message string, userData unsafe.Pointer) vulkan.Bool32 {
			level := slog.LevelDebug
			switch {
			case flags&vulkan.DebugReportFlags(vulkan.DebugReportErrorBit) != 0:
				level = slog.LevelError
			case flags&vulkan.DebugReportFlags(vulkan.DebugReportWarningBit|vulkan.DebugReportPerformanceWarningBit) != 0:
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, message,
				slog.String("layer", layerPrefix),
				slog.Int("code", int(messageCode)))
			return vulkan.False
		},
	}
	if res := vulkan.CreateDebugReportCallback(inst.handle, &createInfo, nil, &inst.debug); res != vulkan.Success {
		return vkError("create debug callback", res)
	}
	return nil
}

func (d *Driver) DestroyInstance(h gpu.Instance) {
	inst := lookup[*instance](&d.h, uint64(h))
	if inst.debug != vulkan.DebugReportCallback(vulkan.NullHandle) {
		vulkan.DestroyDebugReportCallback(inst.handle, inst.debug, nil)
	}
	vulkan.DestroyInstance(inst.handle, nil)
	d.retainPhysical(inst, 0)
	d.h.drop(uint64(h))
}

func (d *Driver) DestroySurface(inst gpu.Instance, s gpu.Surface) {
	vulkan.DestroySurface(d.Instance(inst), d.surface(s), nil)
	d.h.drop(uint64(s))
}

func (d *Driver) PhysicalDevices(h gpu.Instance, s gpu.Surface) ([]gpu.PhysicalDeviceInfo, error) {
	inst := lookup[*instance](&d.h, uint64(h))
	var count uint32
	if res := vulkan.EnumeratePhysicalDevices(inst.handle, &count, nil); res != vulkan.Success {
		return nil, vkError("enumerate physical devices", res)
	}
	devices := make([]vulkan.PhysicalDevice, count)
	if res := vulkan.EnumeratePhysicalDevices(inst.handle, &count, devices); res != vulkan.Success {
		return nil, vkError("enumerate physical devices list", res)
	}

	surface := d.surface(s)
	out := make([]gpu.PhysicalDeviceInfo, 0, len(devices))
	for _, dev := range devices {
		pd := &physicalDevice{handle: dev, inst: inst, layers: inst.layers}
		info, err := d.describe(pd, surface)
		if err != nil {
			for _, prev := range out {
				d.forgetPhysical(inst, uint64(prev.Handle))
			}
			return nil, err
		}
		id := d.h.put(pd)
		inst.physical = append(inst.physical, id)
		info.Handle = gpu.PhysicalDevice(id)
		out = append(out, info)
	}
	return out, nil
}

// retainPhysical drops every physical device entry of inst except keep.
// A keep of 0 drops them all.
func (d *Driver) retainPhysical(inst *instance, keep uint64) {
	kept := inst.physical[:0]
	for _, id := range inst.physical {
		if id == keep {
			kept = append(kept, id)
			continue
		}
		d.h.drop(id)
	}
	inst.physical = kept
}

func (d *Driver) forgetPhysical(inst *instance, id uint64) {
	inst.physical = slices.DeleteFunc(inst.physical, func(p uint64) bool { return p == id })
	d.h.drop(id)
}

func (d *Driver) describe(pd *physicalDevice, surface vulkan.Surface) (gpu.PhysicalDeviceInfo, error) {
	var props vulkan.PhysicalDeviceProperties
	vulkan.GetPhysicalDeviceProperties(pd.handle, &props)
	props.Deref()
	props.Limits.Deref()
	pd.apiVersion = props.ApiVersion

	info := gpu.PhysicalDeviceInfo{
		Name:                vulkan.ToString(props.DeviceName[:]),
		Type:                props.DeviceType,
		APIVersion:          props.ApiVersion,
		NonCoherentAtomSize: props.Limits.NonCoherentAtomSize,
	}

	exts, err := deviceExtensions(pd.handle)
	if err != nil {
		return info, err
	}
	pd.extensions = make(map[string]bool, len(exts))
	for _, e := range exts {
		pd.extensions[e] = true
	}
	info.Extensions = exts

	var feats vulkan.PhysicalDeviceFeatures
	vulkan.GetPhysicalDeviceFeatures(pd.handle, &feats)
	feats.Deref()
	info.Features = make(map[string]bool, len(baseFeatures)+len(promotedFeatures))
	for name, field := range baseFeatures {
		info.Features[name] = *field(&feats) == vulkan.True
	}
	for name, p := range promotedFeatures {
		info.Features[name] = p.available(pd)
	}

	var qcount uint32
	vulkan.GetPhysicalDeviceQueueFamilyProperties(pd.handle, &qcount, nil)
	qprops := make([]vulkan.QueueFamilyProperties, qcount)
	vulkan.GetPhysicalDeviceQueueFamilyProperties(pd.handle, &qcount, qprops)
	for i := range qprops {
		qprops[i].Deref()
		var present vulkan.Bool32
		vulkan.GetPhysicalDeviceSurfaceSupport(pd.handle, uint32(i), surface, &present)
		info.QueueFamilies = append(info.QueueFamilies, gpu.QueueFamily{
			Index:   uint32(i),
			Flags:   qprops[i].QueueFlags,
			Count:   qprops[i].QueueCount,
			Present: present == vulkan.True,
		})
	}

	var mem vulkan.PhysicalDeviceMemoryProperties
	vulkan.GetPhysicalDeviceMemoryProperties(pd.handle, &mem)
	mem.Deref()
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		t := mem.MemoryTypes[i]
		t.Deref()
		info.Memory.Types = append(info.Memory.Types, gpu.MemoryType{Flags: t.PropertyFlags, Heap: t.HeapIndex})
	}
	for i := uint32(0); i < mem.MemoryHeapCount; i++ {
		heap := mem.MemoryHeaps[i]
		heap.Deref()
		info.Memory.Heaps = append(info.Memory.Heaps, gpu.MemoryHeap{Size: heap.Size, Flags: heap.Flags})
	}
	return info, nil
}

func deviceExtensions(dev vulkan.PhysicalDevice) ([]string, error) {
	var count uint32
	if res := vulkan.EnumerateDeviceExtensionProperties(dev, "", &count, nil); res != vulkan.Success {
		return nil, vkError("enumerate device extensions", res)
	}
	props := make([]vulkan.ExtensionProperties, count)
	if res := vulkan.EnumerateDeviceExtensionProperties(dev, "", &count, props); res != vulkan.Success {
		return nil, vkError("enumerate device extensions list", res)
	}
	names := make([]string, len(props))
	for i := range props {
		props[i].Deref()
		names[i] = vulkan.ToString(props[i].ExtensionName[:])
	}
	return names, nil
}

func (d *Driver) SurfaceCapabilities(h gpu.PhysicalDevice, s gpu.Surface) (gpu.SurfaceCapabilities, error) {
	var caps vulkan.SurfaceCapabilities
	if res := vulkan.GetPhysicalDeviceSurfaceCapabilities(d.PhysicalDevice(h), d.surface(s), &caps); res != vulkan.Success {
		return gpu.SurfaceCapabilities{}, vkError("surface capabilities", res)
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()
	return gpu.SurfaceCapabilities{
		MinImageCount:    caps.MinImageCount,
		MaxImageCount:    caps.MaxImageCount,
		CurrentExtent:    gpu.Extent2D{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
		MinImageExtent:   gpu.Extent2D{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
		MaxImageExtent:   gpu.Extent2D{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
		CurrentTransform: caps.CurrentTransform,
	}, nil
}

func (d *Driver) SurfaceFormats(h gpu.PhysicalDevice, s gpu.Surface) ([]gpu.SurfaceFormat, error) {
	dev, surface := d.PhysicalDevice(h), d.surface(s)
	var count uint32
	if res := vulkan.GetPhysicalDeviceSurfaceFormats(dev, surface, &count, nil); res != vulkan.Success {
		return nil, vkError("surface formats", res)
	}
	formats := make([]vulkan.SurfaceFormat, count)
	if count > 0 {
		if res := vulkan.GetPhysicalDeviceSurfaceFormats(dev, surface, &count, formats); res != vulkan.Success {
			return nil, vkError("surface formats list", res)
		}
	}
	out := make([]gpu.SurfaceFormat, len(formats))
	for i := range formats {
		formats[i].Deref()
		out[i] = gpu.SurfaceFormat{Format: formats[i].Format, ColorSpace: formats[i].ColorSpace}
	}
	return out, nil
}

func (d *Driver) PresentModes(h gpu.PhysicalDevice, s gpu.Surface) ([]vulkan.PresentMode, error) {
	dev, surface := d.PhysicalDevice(h), d.surface(s)
	var count uint32
	if res := vulkan.GetPhysicalDeviceSurfacePresentModes(dev, surface, &count, nil); res != vulkan.Success {
		return nil, vkError("present modes", res)
	}
	modes := make([]vulkan.PresentMode, count)
	if count > 0 {
		if res := vulkan.GetPhysicalDeviceSurfacePresentModes(dev, surface, &count, modes); res != vulkan.Success {
			return nil, vkError("present modes list", res)
		}
	}
	return modes, nil
}

// CreateDevice creates one queue per requested family. Promoted features
// on a device older than their core version pull in their extension.
func (d *Driver) CreateDevice(h gpu.PhysicalDevice, info gpu.DeviceInfo) (gpu.Device, error) {
	pd := lookup[*physicalDevice](&d.h, uint64(h))

	queueInfos := make([]vulkan.DeviceQueueCreateInfo, 0, len(info.Families))
	for _, family := range info.Families {
		queueInfos = append(queueInfos, vulkan.DeviceQueueCreateInfo{
			SType:            vulkan.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}

	var features vulkan.PhysicalDeviceFeatures
	for _, name := range info.Features.Base {
		field, ok := baseFeatures[name]
		if !ok {
			return 0, errors.Newf("unknown device feature %q", name)
		}
		*field(&features) = vulkan.True
	}

	extensions, err := enabledExtensions(pd, info)
	if err != nil {
		return 0, err
	}
	names := safeStrings(extensions)

	createInfo := vulkan.DeviceCreateInfo{
		SType:                   vulkan.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vulkan.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(names)),
		PpEnabledExtensionNames: names,
	}
	if pd.layers {
		layers := safeStrings(validationLayers)
		createInfo.EnabledLayerCount = uint32(len(layers))
		createInfo.PpEnabledLayerNames = layers
	}

	var handle vulkan.Device
	if res := vulkan.CreateDevice(pd.handle, &createInfo, nil, &handle); res != vulkan.Success {
		return 0, vkError("create logical device", res)
	}
	// The candidates that lost selection are no longer reachable.
	d.retainPhysical(pd.inst, uint64(h))
	return gpu.Device(d.h.put(&device{handle: handle})), nil
}

// enabledExtensions is info.Extensions plus the extension behind every
// requested 1.2 or 1.3 feature the device only has as an extension.
//
// The binding has no pNext feature chain, so promoted features are only
// switched on through their extension on devices that predate the
// promotion. On newer devices validation may still report features such as
// separateDepthStencilLayouts as not enabled.
func enabledExtensions(pd *physicalDevice, info gpu.DeviceInfo) ([]string, error) {
	extensions := append([]string(nil), info.Extensions...)
	seen := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		seen[e] = true
	}
	for _, name := range append(append([]string(nil), info.Features.Vulkan12...), info.Features.Vulkan13...) {
		p, ok := promotedFeatures[name]
		if !ok {
			return nil, errors.Newf("unknown device feature %q", name)
		}
		if pd.apiVersion < p.version && !seen[p.extension] {
			extensions = append(extensions, p.extension)
			seen[p.extension] = true
		}
	}
	return extensions, nil
}

func (d *Driver) DestroyDevice(h gpu.Device) {
	vulkan.DestroyDevice(d.Device(h), nil)
	d.qmu.Lock()
	for key, q := range d.queues {
		if key.dev == h {
			d.h.drop(uint64(q))
			delete(d.queues, key)
		}
	}
	d.qmu.Unlock()
	d.h.drop(uint64(h))
}

// safeString appends the terminator the C side expects.
func safeString(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}

func safeStrings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = safeString(s)
	}
	return out
}
