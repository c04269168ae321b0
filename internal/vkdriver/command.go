package vkdriver

import (
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

func (d *Driver) CreateCommandPool(dev gpu.Device, family uint32, flags vulkan.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	info := vulkan.CommandPoolCreateInfo{
		SType:            vulkan.StructureTypeCommandPoolCreateInfo,
		Flags:            flags,
		QueueFamilyIndex: family,
	}
	pool := &commandPool{buffers: make(map[uint64]struct{})}
	if res := vulkan.CreateCommandPool(d.Device(dev), &info, nil, &pool.handle); res != vulkan.Success {
		return 0, vkError("create command pool", res)
	}
	return gpu.CommandPool(d.h.put(pool)), nil
}

// DestroyCommandPool frees the pool together with every buffer still
// allocated from it.
func (d *Driver) DestroyCommandPool(dev gpu.Device, h gpu.CommandPool) {
	pool := lookup[*commandPool](&d.h, uint64(h))
	vulkan.DestroyCommandPool(d.Device(dev), pool.handle, nil)
	for id := range pool.buffers {
		d.h.drop(id)
	}
	d.h.drop(uint64(h))
}

func (d *Driver) ResetCommandPool(dev gpu.Device, h gpu.CommandPool) error {
	pool := lookup[*commandPool](&d.h, uint64(h))
	if res := vulkan.ResetCommandPool(d.Device(dev), pool.handle, 0); res != vulkan.Success {
		return vkError("reset command pool", res)
	}
	return nil
}

func (d *Driver) AllocateCommandBuffer(dev gpu.Device, h gpu.CommandPool) (gpu.CommandBuffer, error) {
	pool := lookup[*commandPool](&d.h, uint64(h))
	info := vulkan.CommandBufferAllocateInfo{
		SType:              vulkan.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool.handle,
		Level:              vulkan.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vulkan.CommandBuffer, 1)
	if res := vulkan.AllocateCommandBuffers(d.Device(dev), &info, cbs); res != vulkan.Success {
		return 0, vkError("allocate command buffer", res)
	}
	id := d.h.put(cbs[0])
	pool.buffers[id] = struct{}{}
	return gpu.CommandBuffer(id), nil
}

func (d *Driver) FreeCommandBuffer(dev gpu.Device, h gpu.CommandPool, cb gpu.CommandBuffer) {
	pool := lookup[*commandPool](&d.h, uint64(h))
	vulkan.FreeCommandBuffers(d.Device(dev), pool.handle, 1, []vulkan.CommandBuffer{d.CommandBuffer(cb)})
	delete(pool.buffers, uint64(cb))
	d.h.drop(uint64(cb))
}

func (d *Driver) BeginCommandBuffer(cb gpu.CommandBuffer, usage vulkan.CommandBufferUsageFlags) error {
	info := vulkan.CommandBufferBeginInfo{
		SType: vulkan.StructureTypeCommandBufferBeginInfo,
		Flags: usage,
	}
	if res := vulkan.BeginCommandBuffer(d.CommandBuffer(cb), &info); res != vulkan.Success {
		return vkError("begin command buffer", res)
	}
	return nil
}

func (d *Driver) EndCommandBuffer(cb gpu.CommandBuffer) error {
	if res := vulkan.EndCommandBuffer(d.CommandBuffer(cb)); res != vulkan.Success {
		return vkError("end command buffer", res)
	}
	return nil
}

func (d *Driver) CmdPipelineBarrier(cb gpu.CommandBuffer, src, dst vulkan.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) {
	var bufBarriers []vulkan.BufferMemoryBarrier
	for _, b := range buffers {
		bufBarriers = append(bufBarriers, vulkan.BufferMemoryBarrier{
			SType:               vulkan.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			SrcQueueFamilyIndex: b.SrcFamily,
			DstQueueFamilyIndex: b.DstFamily,
			Buffer:              d.Buffer(b.Buffer),
			Offset:              b.Offset,
			Size:                b.Size,
		})
	}
	var imgBarriers []vulkan.ImageMemoryBarrier
	for _, b := range images {
		imgBarriers = append(imgBarriers, vulkan.ImageMemoryBarrier{
			SType:               vulkan.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			OldLayout:           b.OldLayout,
			NewLayout:           b.NewLayout,
			SrcQueueFamilyIndex: b.SrcFamily,
			DstQueueFamilyIndex: b.DstFamily,
			Image:               d.Image(b.Image),
			SubresourceRange: vulkan.ImageSubresourceRange{
				AspectMask: b.Aspect,
				LevelCount: max(b.MipLevels, 1),
				LayerCount: 1,
			},
		})
	}
	vulkan.CmdPipelineBarrier(d.CommandBuffer(cb), src, dst, 0,
		0, nil,
		uint32(len(bufBarriers)), bufBarriers,
		uint32(len(imgBarriers)), imgBarriers)
}

func (d *Driver) CmdCopyBuffer(cb gpu.CommandBuffer, src, dst gpu.Buffer, size vulkan.DeviceSize) {
	vulkan.CmdCopyBuffer(d.CommandBuffer(cb), d.Buffer(src), d.Buffer(dst), 1, []vulkan.BufferCopy{{Size: size}})
}
