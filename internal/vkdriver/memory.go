package vkdriver

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

func (d *Driver) CreateBuffer(dev gpu.Device, size vulkan.DeviceSize, usage vulkan.BufferUsageFlags) (gpu.Buffer, gpu.MemoryRequirements, error) {
	device := d.Device(dev)
	info := vulkan.BufferCreateInfo{
		SType:       vulkan.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vulkan.SharingModeExclusive,
	}
	var buffer vulkan.Buffer
	if res := vulkan.CreateBuffer(device, &info, nil, &buffer); res != vulkan.Success {
		return 0, gpu.MemoryRequirements{}, vkError("create buffer", res)
	}
	var req vulkan.MemoryRequirements
	vulkan.GetBufferMemoryRequirements(device, buffer, &req)
	req.Deref()
	return gpu.Buffer(d.h.put(buffer)), requirements(req), nil
}

func (d *Driver) DestroyBuffer(dev gpu.Device, h gpu.Buffer) {
	vulkan.DestroyBuffer(d.Device(dev), d.Buffer(h), nil)
	d.h.drop(uint64(h))
}

func (d *Driver) CreateImage(dev gpu.Device, info gpu.ImageInfo) (gpu.Image, gpu.MemoryRequirements, error) {
	device := d.Device(dev)
	samples := info.Samples
	if samples == 0 {
		samples = vulkan.SampleCount1Bit
	}
	createInfo := vulkan.ImageCreateInfo{
		SType:     vulkan.StructureTypeImageCreateInfo,
		ImageType: vulkan.ImageType2d,
		Extent: vulkan.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  max(info.Extent.Depth, 1),
		},
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        vulkan.ImageTilingOptimal,
		InitialLayout: vulkan.ImageLayoutUndefined,
		Usage:         info.Usage,
		Samples:       samples,
		SharingMode:   vulkan.SharingModeExclusive,
	}
	var image vulkan.Image
	if res := vulkan.CreateImage(device, &createInfo, nil, &image); res != vulkan.Success {
		return 0, gpu.MemoryRequirements{}, vkError("create image", res)
	}
	var req vulkan.MemoryRequirements
	vulkan.GetImageMemoryRequirements(device, image, &req)
	req.Deref()
	return gpu.Image(d.h.put(image)), requirements(req), nil
}

func (d *Driver) DestroyImage(dev gpu.Device, h gpu.Image) {
	vulkan.DestroyImage(d.Device(dev), d.Image(h), nil)
	d.h.drop(uint64(h))
}

func requirements(req vulkan.MemoryRequirements) gpu.MemoryRequirements {
	return gpu.MemoryRequirements{
		Size:      req.Size,
		Alignment: req.Alignment,
		TypeBits:  req.MemoryTypeBits,
	}
}

func (d *Driver) AllocateMemory(dev gpu.Device, size vulkan.DeviceSize, typeIndex uint32) (gpu.Memory, error) {
	info := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  size,
		MemoryTypeIndex: typeIndex,
	}
	mem := &memory{size: size}
	if res := vulkan.AllocateMemory(d.Device(dev), &info, nil, &mem.handle); res != vulkan.Success {
		return 0, vkError("allocate memory", res)
	}
	return gpu.Memory(d.h.put(mem)), nil
}

func (d *Driver) FreeMemory(dev gpu.Device, h gpu.Memory) {
	vulkan.FreeMemory(d.Device(dev), lookup[*memory](&d.h, uint64(h)).handle, nil)
	d.h.drop(uint64(h))
}

func (d *Driver) BindBufferMemory(dev gpu.Device, b gpu.Buffer, h gpu.Memory, offset vulkan.DeviceSize) error {
	mem := lookup[*memory](&d.h, uint64(h))
	if res := vulkan.BindBufferMemory(d.Device(dev), d.Buffer(b), mem.handle, offset); res != vulkan.Success {
		return vkError("bind buffer memory", res)
	}
	return nil
}

func (d *Driver) BindImageMemory(dev gpu.Device, img gpu.Image, h gpu.Memory, offset vulkan.DeviceSize) error {
	mem := lookup[*memory](&d.h, uint64(h))
	if res := vulkan.BindImageMemory(d.Device(dev), d.Image(img), mem.handle, offset); res != vulkan.Success {
		return vkError("bind image memory", res)
	}
	return nil
}

// MapMemory returns a slice over the mapped range. It stays valid until
// UnmapMemory.
func (d *Driver) MapMemory(dev gpu.Device, h gpu.Memory, offset, size vulkan.DeviceSize) ([]byte, error) {
	mem := lookup[*memory](&d.h, uint64(h))
	if offset > mem.size {
		return nil, errors.Newf("map offset %d past allocation of %d bytes", offset, mem.size)
	}
	n := size
	if size == gpu.WholeSize {
		n = mem.size - offset
	}
	var data unsafe.Pointer
	if res := vulkan.MapMemory(d.Device(dev), mem.handle, offset, size, 0, &data); res != vulkan.Success {
		return nil, vkError("map memory", res)
	}
	return unsafe.Slice((*byte)(data), int(n)), nil
}

func (d *Driver) UnmapMemory(dev gpu.Device, h gpu.Memory) {
	vulkan.UnmapMemory(d.Device(dev), lookup[*memory](&d.h, uint64(h)).handle)
}

func (d *Driver) FlushMemory(dev gpu.Device, h gpu.Memory, offset, size vulkan.DeviceSize) error {
	mem := lookup[*memory](&d.h, uint64(h))
	ranges := []vulkan.MappedMemoryRange{{
		SType:  vulkan.StructureTypeMappedMemoryRange,
		Memory: mem.handle,
		Offset: offset,
		Size:   size,
	}}
	if res := vulkan.FlushMappedMemoryRanges(d.Device(dev), 1, ranges); res != vulkan.Success {
		return vkError("flush mapped memory", res)
	}
	return nil
}
