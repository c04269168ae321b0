package gpu

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vulkan-go/vulkan"
)

// MemoryUsage says where an allocation should live.
type MemoryUsage int

const (
	// MemoryDeviceLocal prefers device-local memory and is never mapped.
	MemoryDeviceLocal MemoryUsage = iota
	// MemoryHostSequentialWrite is host-visible memory written front to back
	// by the CPU. It stays mapped for the life of the allocation.
	MemoryHostSequentialWrite
)

func (u MemoryUsage) String() string {
	switch u {
	case MemoryDeviceLocal:
		return "device-local"
	case MemoryHostSequentialWrite:
		return "host-sequential-write"
	default:
		return "unknown"
	}
}

// Allocation is one dedicated block of device memory.
type Allocation struct {
	Memory    Memory
	Size      vulkan.DeviceSize
	TypeIndex uint32
	Usage     MemoryUsage
	Coherent  bool
	Mapped    []byte
	name      string

	// The resource bound to the memory, released with it when leaked.
	buffer Buffer
	image  Image
}

// DeviceBuffer is a buffer together with the memory backing it.
type DeviceBuffer struct {
	Handle     Buffer
	Allocation *Allocation
	Size       vulkan.DeviceSize
	Usage      vulkan.BufferUsageFlags
	// Mapped is the persistent host mapping, nil for device-local buffers.
	Mapped []byte
}

// Allocator hands out one dedicated allocation per buffer or image and keeps
// track of what is still alive.
type Allocator struct {
	driver   MemoryDriver
	device   Device
	memory   MemoryProperties
	atomSize vulkan.DeviceSize
	logger   *slog.Logger

	live  map[*Allocation]struct{}
	bytes vulkan.DeviceSize
}

func NewAllocator(d MemoryDriver, dev Device, pd PhysicalDeviceInfo, logger *slog.Logger) *Allocator {
	atom := pd.NonCoherentAtomSize
	if atom == 0 {
		atom = 1
	}
	return &Allocator{
		driver:   d,
		device:   dev,
		memory:   pd.Memory,
		atomSize: atom,
		logger:   logger.With(slog.String("component", "allocator")),
		live:     make(map[*Allocation]struct{}),
	}
}

func (a *Allocator) findMemoryType(typeBits uint32, usage MemoryUsage) (uint32, bool, error) {
	var required, preferred vulkan.MemoryPropertyFlags
	switch usage {
	case MemoryDeviceLocal:
		preferred = vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyDeviceLocalBit)
	case MemoryHostSequentialWrite:
		required = vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostVisibleBit)
		preferred = vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostCoherentBit)
	}

	best, found := uint32(0), false
	for i, t := range a.memory.Types {
		if typeBits&(1<<uint(i)) == 0 || t.Flags&required != required {
			continue
		}
		if t.Flags&preferred == preferred {
			best, found = uint32(i), true
			break
		}
		if !found {
			best, found = uint32(i), true
		}
	}
	if !found {
		return 0, false, errors.Newf("no memory type for usage %s in type bits %#x", usage, typeBits)
	}
	coherent := a.memory.Types[best].Flags&vulkan.MemoryPropertyFlags(vulkan.MemoryPropertyHostCoherentBit) != 0
	return best, coherent, nil
}

func (a *Allocator) allocate(req MemoryRequirements, usage MemoryUsage, name string) (*Allocation, error) {
	typeIndex, coherent, err := a.findMemoryType(req.TypeBits, usage)
	if err != nil {
		return nil, err
	}
	mem, err := a.driver.AllocateMemory(a.device, req.Size, typeIndex)
	if err != nil {
		return nil, errors.Wrap(err, "allocate memory")
	}
	alloc := &Allocation{
		Memory:    mem,
		Size:      req.Size,
		TypeIndex: typeIndex,
		Usage:     usage,
		Coherent:  coherent,
		name:      name,
	}
	if usage == MemoryHostSequentialWrite {
		mapped, err := a.driver.MapMemory(a.device, mem, 0, req.Size)
		if err != nil {
			a.driver.FreeMemory(a.device, mem)
			return nil, errors.Wrap(err, "map memory")
		}
		alloc.Mapped = mapped
	}
	a.live[alloc] = struct{}{}
	a.bytes += req.Size
	a.logger.Debug("allocated",
		slog.String("name", name),
		slog.String("size", units.BytesSize(float64(req.Size))),
		slog.Int("memoryType", int(typeIndex)),
		slog.String("usage", usage.String()))
	return alloc, nil
}

func (a *Allocator) free(alloc *Allocation) {
	if alloc == nil {
		return
	}
	if _, ok := a.live[alloc]; !ok {
		return
	}
	if alloc.Mapped != nil {
		a.driver.UnmapMemory(a.device, alloc.Memory)
		alloc.Mapped = nil
	}
	a.driver.FreeMemory(a.device, alloc.Memory)
	delete(a.live, alloc)
	a.bytes -= alloc.Size
}

// CreateBuffer creates a buffer with its own allocation. Host-visible
// buffers come back persistently mapped.
func (a *Allocator) CreateBuffer(size vulkan.DeviceSize, usage vulkan.BufferUsageFlags, mem MemoryUsage) (*DeviceBuffer, error) {
	if size == 0 {
		return nil, allocError(errors.New("zero-sized buffer"), "create buffer")
	}
	handle, req, err := a.driver.CreateBuffer(a.device, size, usage)
	if err != nil {
		return nil, allocError(err, "create buffer")
	}
	alloc, err := a.allocate(req, mem, "buffer")
	if err != nil {
		a.driver.DestroyBuffer(a.device, handle)
		return nil, allocError(err, "create buffer")
	}
	if err := a.driver.BindBufferMemory(a.device, handle, alloc.Memory, 0); err != nil {
		a.free(alloc)
		a.driver.DestroyBuffer(a.device, handle)
		return nil, allocError(err, "bind buffer memory")
	}
	alloc.buffer = handle
	buf := &DeviceBuffer{
		Handle:     handle,
		Allocation: alloc,
		Size:       size,
		Usage:      usage,
	}
	if alloc.Mapped != nil {
		buf.Mapped = alloc.Mapped[:size:size]
	}
	return buf, nil
}

// DestroyBuffer releases the buffer and its allocation together.
func (a *Allocator) DestroyBuffer(buf *DeviceBuffer) {
	if buf == nil || buf.Handle == 0 {
		return
	}
	a.driver.DestroyBuffer(a.device, buf.Handle)
	a.free(buf.Allocation)
	*buf = DeviceBuffer{}
}

func (a *Allocator) createImage(info ImageInfo) (Image, *Allocation, error) {
	img, req, err := a.driver.CreateImage(a.device, info)
	if err != nil {
		return 0, nil, err
	}
	alloc, err := a.allocate(req, MemoryDeviceLocal, "image")
	if err != nil {
		a.driver.DestroyImage(a.device, img)
		return 0, nil, err
	}
	if err := a.driver.BindImageMemory(a.device, img, alloc.Memory, 0); err != nil {
		a.free(alloc)
		a.driver.DestroyImage(a.device, img)
		return 0, nil, errors.Wrap(err, "bind image memory")
	}
	alloc.image = img
	return img, alloc, nil
}

func (a *Allocator) destroyImage(img Image, alloc *Allocation) {
	a.driver.DestroyImage(a.device, img)
	a.free(alloc)
}

// CopyToHostVisible writes data into a mapped buffer and flushes it.
func (a *Allocator) CopyToHostVisible(buf *DeviceBuffer, data []byte) error {
	if buf.Mapped == nil {
		return errors.New("buffer is not host visible")
	}
	if vulkan.DeviceSize(len(data)) > buf.Size {
		return errors.Newf("%d bytes do not fit a %d byte buffer", len(data), buf.Size)
	}
	copy(buf.Mapped, data)
	return a.Flush(buf.Allocation, 0, WholeSize)
}

// Flush makes host writes visible to the device. Coherent memory needs no
// flush. Ranges are widened to the non-coherent atom size.
func (a *Allocator) Flush(alloc *Allocation, offset, size vulkan.DeviceSize) error {
	if alloc == nil || alloc.Coherent || alloc.Mapped == nil {
		return nil
	}
	if offset > alloc.Size {
		return errors.Newf("offset %d is past the end of the allocation, which is size %d", offset, alloc.Size)
	}
	if size == WholeSize || offset+size > alloc.Size {
		size = alloc.Size - offset
	}
	start := alignDown(offset, a.atomSize)
	end := alignUp(offset+size, a.atomSize)
	if end > alloc.Size {
		end = alloc.Size
	}
	if err := a.driver.FlushMemory(a.device, alloc.Memory, start, end-start); err != nil {
		return errors.Wrap(err, "flush allocation")
	}
	return nil
}

// LiveAllocations reports how many allocations have not been freed.
func (a *Allocator) LiveAllocations() int {
	return len(a.live)
}

func (a *Allocator) AllocatedBytes() vulkan.DeviceSize {
	return a.bytes
}

// WriteStats writes the live allocations as JSON, grouped by memory type.
func (a *Allocator) WriteStats(w io.Writer) error {
	jw := jwriter.NewWriter()
	a.writeStats(&jw)
	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "encode allocator stats")
	}
	_, err := io.Copy(w, bytes.NewReader(jw.Bytes()))
	return err
}

func (a *Allocator) writeStats(jw *jwriter.Writer) {
	obj := jw.Object()
	total := obj.Name("Total").Object()
	total.Name("AllocationCount").Int(len(a.live))
	total.Name("AllocationBytes").String(units.BytesSize(float64(a.bytes)))
	total.End()

	byType := make(map[uint32][]*Allocation)
	for alloc := range a.live {
		byType[alloc.TypeIndex] = append(byType[alloc.TypeIndex], alloc)
	}
	types := obj.Name("MemoryTypes").Object()
	for i := range a.memory.Types {
		allocs := byType[uint32(i)]
		if len(allocs) == 0 {
			continue
		}
		t := types.Name("Type " + strconv.Itoa(i)).Object()
		var sum vulkan.DeviceSize
		for _, alloc := range allocs {
			sum += alloc.Size
		}
		t.Name("AllocationCount").Int(len(allocs))
		t.Name("AllocationBytes").String(units.BytesSize(float64(sum)))
		t.End()
	}
	types.End()
	obj.End()
}

// Destroy frees whatever is still allocated, destroying the buffer or
// image bound to each leaked allocation first. Leaks are logged, not fatal.
func (a *Allocator) Destroy() {
	if n := len(a.live); n > 0 {
		a.logger.Warn("allocator destroyed with live allocations",
			slog.Int("count", n),
			slog.String("bytes", units.BytesSize(float64(a.bytes))))
	}
	for alloc := range a.live {
		if alloc.buffer != 0 {
			a.driver.DestroyBuffer(a.device, alloc.buffer)
		}
		if alloc.image != 0 {
			a.driver.DestroyImage(a.device, alloc.image)
		}
		a.free(alloc)
	}
}

func alignUp(v, align vulkan.DeviceSize) vulkan.DeviceSize {
	m := v % align
	if m == 0 {
		return v
	}
	return v - m + align
}

func alignDown(v, align vulkan.DeviceSize) vulkan.DeviceSize {
	return v - v%align
}
