package gpu

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
)

// HostMesh is indexed geometry still in host memory. V must be a plain
// value type with no pointers.
type HostMesh[V any] struct {
	Vertices []V
	Indices  []uint32
}

// Mesh is geometry living in GPU buffers.
type Mesh struct {
	Vertices   *DeviceBuffer
	Indices    *DeviceBuffer
	IndexCount uint32
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}

// CreateMesh allocates buffers sized for host. Device-local buffers can be
// filled with AddPendingCopies, host-visible ones with CopyToHostVisibleMesh.
func CreateMesh[V any](a *Allocator, host HostMesh[V], deviceLocal bool) (*Mesh, error) {
	vsize := vulkan.DeviceSize(len(sliceBytes(host.Vertices)))
	isize := vulkan.DeviceSize(len(sliceBytes(host.Indices)))
	vusage := vulkan.BufferUsageFlags(vulkan.BufferUsageVertexBufferBit)
	iusage := vulkan.BufferUsageFlags(vulkan.BufferUsageIndexBufferBit)
	mem := MemoryHostSequentialWrite
	if deviceLocal {
		vusage |= vulkan.BufferUsageFlags(vulkan.BufferUsageTransferDstBit)
		iusage |= vulkan.BufferUsageFlags(vulkan.BufferUsageTransferDstBit)
		mem = MemoryDeviceLocal
	}
	vb, err := a.CreateBuffer(vsize, vusage, mem)
	if err != nil {
		return nil, errors.Wrap(err, "mesh vertex buffer")
	}
	ib, err := a.CreateBuffer(isize, iusage, mem)
	if err != nil {
		a.DestroyBuffer(vb)
		return nil, errors.Wrap(err, "mesh index buffer")
	}
	return &Mesh{Vertices: vb, Indices: ib, IndexCount: uint32(len(host.Indices))}, nil
}

// CopyToHostVisibleMesh writes host into a mesh created without deviceLocal.
func CopyToHostVisibleMesh[V any](a *Allocator, m *Mesh, host HostMesh[V]) error {
	if err := a.CopyToHostVisible(m.Vertices, sliceBytes(host.Vertices)); err != nil {
		return errors.Wrap(err, "copy mesh vertices")
	}
	if err := a.CopyToHostVisible(m.Indices, sliceBytes(host.Indices)); err != nil {
		return errors.Wrap(err, "copy mesh indices")
	}
	m.IndexCount = uint32(len(host.Indices))
	return nil
}

// AddPendingCopies appends the uploads that fill a device-local mesh.
func AddPendingCopies[V any](m *Mesh, host HostMesh[V], pending []PendingCopy) []PendingCopy {
	return append(pending,
		PendingCopy{
			Data:      sliceBytes(host.Vertices),
			Dst:       m.Vertices,
			DstAccess: vulkan.AccessFlags(vulkan.AccessVertexAttributeReadBit),
		},
		PendingCopy{
			Data:      sliceBytes(host.Indices),
			Dst:       m.Indices,
			DstAccess: vulkan.AccessFlags(vulkan.AccessIndexReadBit),
		})
}

func DestroyMesh(a *Allocator, m *Mesh) {
	if m == nil {
		return
	}
	a.DestroyBuffer(m.Vertices)
	a.DestroyBuffer(m.Indices)
	m.IndexCount = 0
}
