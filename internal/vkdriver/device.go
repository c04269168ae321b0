package vkdriver

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

// GetQueue registers the device queue on first use, so asking twice for
// the same family and index yields the same handle.
func (d *Driver) GetQueue(dev gpu.Device, family, index uint32) gpu.Queue {
	key := queueKey{dev, family, index}
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if q, ok := d.queues[key]; ok {
		return q
	}
	var q vulkan.Queue
	vulkan.GetDeviceQueue(d.Device(dev), family, index, &q)
	if d.queues == nil {
		d.queues = make(map[queueKey]gpu.Queue)
	}
	d.queues[key] = gpu.Queue(d.h.put(q))
	return d.queues[key]
}

func (d *Driver) WaitIdle(dev gpu.Device) error {
	if res := vulkan.DeviceWaitIdle(d.Device(dev)); res != vulkan.Success {
		return vkError("device wait idle", res)
	}
	return nil
}

func (d *Driver) CreateSwapchain(dev gpu.Device, info gpu.SwapchainInfo) (gpu.Swapchain, []gpu.Image, error) {
	device := d.Device(dev)
	createInfo := vulkan.SwapchainCreateInfo{
		SType:            vulkan.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface(info.Surface),
		MinImageCount:    info.MinImageCount,
		ImageFormat:      info.Format.Format,
		ImageColorSpace:  info.Format.ColorSpace,
		ImageExtent:      vulkan.Extent2D{Width: info.Extent.Width, Height: info.Extent.Height},
		ImageArrayLayers: 1,
		ImageUsage:       info.Usage,
		PreTransform:     info.Transform,
		CompositeAlpha:   vulkan.CompositeAlphaOpaqueBit,
		PresentMode:      info.PresentMode,
		Clipped:          vulkan.True,
		OldSwapchain:     vulkan.Swapchain(vulkan.NullHandle),
	}
	if families := distinct(info.Families); len(families) > 1 {
		createInfo.ImageSharingMode = vulkan.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = uint32(len(families))
		createInfo.PQueueFamilyIndices = families
	} else {
		createInfo.ImageSharingMode = vulkan.SharingModeExclusive
	}

	sc := &swapchain{}
	if res := vulkan.CreateSwapchain(device, &createInfo, nil, &sc.handle); res != vulkan.Success {
		return 0, nil, vkError("create swapchain", res)
	}

	var count uint32
	if res := vulkan.GetSwapchainImages(device, sc.handle, &count, nil); res != vulkan.Success {
		vulkan.DestroySwapchain(device, sc.handle, nil)
		return 0, nil, vkError("swapchain image count", res)
	}
	images := make([]vulkan.Image, count)
	if res := vulkan.GetSwapchainImages(device, sc.handle, &count, images); res != vulkan.Success {
		vulkan.DestroySwapchain(device, sc.handle, nil)
		return 0, nil, vkError("swapchain images", res)
	}
	out := make([]gpu.Image, len(images))
	for i, img := range images {
		id := d.h.put(img)
		sc.images = append(sc.images, id)
		out[i] = gpu.Image(id)
	}
	return gpu.Swapchain(d.h.put(sc)), out, nil
}

func distinct(families []uint32) []uint32 {
	var out []uint32
	seen := make(map[uint32]bool, len(families))
	for _, f := range families {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// DestroySwapchain also forgets the images the swapchain owned.
func (d *Driver) DestroySwapchain(dev gpu.Device, h gpu.Swapchain) {
	sc := lookup[*swapchain](&d.h, uint64(h))
	vulkan.DestroySwapchain(d.Device(dev), sc.handle, nil)
	for _, id := range sc.images {
		d.h.drop(id)
	}
	d.h.drop(uint64(h))
}

func (d *Driver) CreateImageView(dev gpu.Device, info gpu.ImageViewInfo) (gpu.ImageView, error) {
	createInfo := vulkan.ImageViewCreateInfo{
		SType:    vulkan.StructureTypeImageViewCreateInfo,
		Image:    d.Image(info.Image),
		ViewType: vulkan.ImageViewType2d,
		Format:   info.Format,
		Components: vulkan.ComponentMapping{
			R: vulkan.ComponentSwizzleIdentity,
			G: vulkan.ComponentSwizzleIdentity,
			B: vulkan.ComponentSwizzleIdentity,
			A: vulkan.ComponentSwizzleIdentity,
		},
		SubresourceRange: vulkan.ImageSubresourceRange{
			AspectMask:     info.Aspect,
			BaseMipLevel:   0,
			LevelCount:     max(info.MipLevels, 1),
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vulkan.ImageView
	if res := vulkan.CreateImageView(d.Device(dev), &createInfo, nil, &view); res != vulkan.Success {
		return 0, vkError("create image view", res)
	}
	return gpu.ImageView(d.h.put(view)), nil
}

func (d *Driver) DestroyImageView(dev gpu.Device, h gpu.ImageView) {
	vulkan.DestroyImageView(d.Device(dev), d.ImageView(h), nil)
	d.h.drop(uint64(h))
}

func (d *Driver) CreateSemaphore(dev gpu.Device) (gpu.Semaphore, error) {
	info := vulkan.SemaphoreCreateInfo{SType: vulkan.StructureTypeSemaphoreCreateInfo}
	var s vulkan.Semaphore
	if res := vulkan.CreateSemaphore(d.Device(dev), &info, nil, &s); res != vulkan.Success {
		return 0, vkError("create semaphore", res)
	}
	return gpu.Semaphore(d.h.put(s)), nil
}

func (d *Driver) DestroySemaphore(dev gpu.Device, h gpu.Semaphore) {
	vulkan.DestroySemaphore(d.Device(dev), d.semaphore(h), nil)
	d.h.drop(uint64(h))
}

func (d *Driver) CreateFence(dev gpu.Device, signaled bool) (gpu.Fence, error) {
	info := vulkan.FenceCreateInfo{SType: vulkan.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vulkan.FenceCreateFlags(vulkan.FenceCreateSignaledBit)
	}
	var f vulkan.Fence
	if res := vulkan.CreateFence(d.Device(dev), &info, nil, &f); res != vulkan.Success {
		return 0, vkError("create fence", res)
	}
	return gpu.Fence(d.h.put(f)), nil
}

func (d *Driver) DestroyFence(dev gpu.Device, h gpu.Fence) {
	vulkan.DestroyFence(d.Device(dev), d.fence(h), nil)
	d.h.drop(uint64(h))
}

func (d *Driver) WaitFence(dev gpu.Device, h gpu.Fence, timeout uint64) error {
	if res := vulkan.WaitForFences(d.Device(dev), 1, []vulkan.Fence{d.fence(h)}, vulkan.True, timeout); res != vulkan.Success {
		return vkError("wait for fence", res)
	}
	return nil
}

func (d *Driver) ResetFence(dev gpu.Device, h gpu.Fence) error {
	if res := vulkan.ResetFences(d.Device(dev), 1, []vulkan.Fence{d.fence(h)}); res != vulkan.Success {
		return vkError("reset fence", res)
	}
	return nil
}

func (d *Driver) FenceStatus(dev gpu.Device, h gpu.Fence) (bool, error) {
	switch res := vulkan.GetFenceStatus(d.Device(dev), d.fence(h)); res {
	case vulkan.Success:
		return true, nil
	case vulkan.NotReady:
		return false, nil
	default:
		return false, vkError("fence status", res)
	}
}

func (d *Driver) CreateShaderModule(dev gpu.Device, code []byte) (gpu.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return 0, errors.Newf("shader code length %d is not a multiple of 4", len(code))
	}
	createInfo := vulkan.ShaderModuleCreateInfo{
		SType:    vulkan.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    bytesToUint32(code),
	}
	var module vulkan.ShaderModule
	if res := vulkan.CreateShaderModule(d.Device(dev), &createInfo, nil, &module); res != vulkan.Success {
		return 0, vkError("create shader module", res)
	}
	return gpu.ShaderModule(d.h.put(module)), nil
}

func bytesToUint32(data []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}

func (d *Driver) DestroyShaderModule(dev gpu.Device, h gpu.ShaderModule) {
	vulkan.DestroyShaderModule(d.Device(dev), d.ShaderModule(h), nil)
	d.h.drop(uint64(h))
}

func (d *Driver) AcquireNextImage(dev gpu.Device, sc gpu.Swapchain, timeout uint64, signal gpu.Semaphore) (uint32, vulkan.Result) {
	var index uint32
	res := vulkan.AcquireNextImage(d.Device(dev), lookup[*swapchain](&d.h, uint64(sc)).handle, timeout,
		d.semaphore(signal), vulkan.Fence(vulkan.NullHandle), &index)
	return index, res
}

func (d *Driver) QueueSubmit(q gpu.Queue, submits []gpu.SubmitInfo, fence gpu.Fence) error {
	infos := make([]vulkan.SubmitInfo, len(submits))
	for i, s := range submits {
		cbs := make([]vulkan.CommandBuffer, len(s.Commands))
		for j, cb := range s.Commands {
			cbs[j] = d.CommandBuffer(cb)
		}
		infos[i] = vulkan.SubmitInfo{
			SType:                vulkan.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(s.Wait)),
			PWaitSemaphores:      d.semaphores(s.Wait),
			PWaitDstStageMask:    s.WaitStages,
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(s.Signal)),
			PSignalSemaphores:    d.semaphores(s.Signal),
		}
	}
	if res := vulkan.QueueSubmit(d.queue(q), uint32(len(infos)), infos, d.fence(fence)); res != vulkan.Success {
		return vkError("queue submit", res)
	}
	return nil
}

func (d *Driver) QueueWaitIdle(q gpu.Queue) error {
	if res := vulkan.QueueWaitIdle(d.queue(q)); res != vulkan.Success {
		return vkError("queue wait idle", res)
	}
	return nil
}

func (d *Driver) QueuePresent(q gpu.Queue, info gpu.PresentInfo) vulkan.Result {
	presentInfo := vulkan.PresentInfo{
		SType:              vulkan.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(info.Wait)),
		PWaitSemaphores:    d.semaphores(info.Wait),
		SwapchainCount:     1,
		PSwapchains:        []vulkan.Swapchain{lookup[*swapchain](&d.h, uint64(info.Swapchain)).handle},
		PImageIndices:      []uint32{info.ImageIndex},
	}
	return vulkan.QueuePresent(d.queue(q), &presentInfo)
}
