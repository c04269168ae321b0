package gpu

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"
	"github.com/vulkan-go/vulkan"
)

// PendingCopy is host data waiting to be uploaded into Dst. DstAccess is how
// the graphics queue will read Dst once it owns it.
type PendingCopy struct {
	Data      []byte
	Dst       *DeviceBuffer
	DstAccess vulkan.AccessFlags
}

// CopyReceipt tracks one batch of uploads until the graphics queue has
// acquired the destination buffers.
type CopyReceipt struct {
	fence    Fence
	commands CommandBuffer
	staging  []*DeviceBuffer
	acquire  []BufferBarrier
	done     bool
}

// StagingCount is the number of staging buffers still held by the receipt.
func (r *CopyReceipt) StagingCount() int { return len(r.staging) }

// Barriers returns the acquire barriers that completion will record.
func (r *CopyReceipt) Barriers() []BufferBarrier {
	out := make([]BufferBarrier, len(r.acquire))
	copy(out, r.acquire)
	return out
}

func (r *CopyReceipt) Done() bool { return r.done }

// TransferManager uploads host data on the transfer queue and hands the
// destination buffers over to the graphics queue.
type TransferManager struct {
	ctx    *DeviceContext
	pool   CommandPool
	logger *slog.Logger
}

func NewTransferManager(c *DeviceContext) (*TransferManager, error) {
	pool, err := c.driver.CreateCommandPool(c.device, c.transfer.Family, vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateTransientBit))
	if err != nil {
		return nil, errors.Wrap(err, "create transfer command pool")
	}
	return &TransferManager{
		ctx:    c,
		pool:   pool,
		logger: c.logger.With(slog.String("component", "transfer")),
	}, nil
}

func (m *TransferManager) Destroy() {
	if m.pool != 0 {
		m.ctx.driver.DestroyCommandPool(m.ctx.device, m.pool)
		m.pool = 0
	}
}

func (m *TransferManager) families() (src, dst uint32, shared bool) {
	src, dst = m.ctx.transfer.Family, m.ctx.graphics.Family
	if src == dst {
		return QueueFamilyIgnored, QueueFamilyIgnored, true
	}
	return src, dst, false
}

// SubmitCopies stages every pending copy and submits the copies on the
// transfer queue. The returned receipt must be polled with CheckCompleted.
func (m *TransferManager) SubmitCopies(pending []PendingCopy) (*CopyReceipt, error) {
	if len(pending) == 0 {
		return nil, errors.New("no pending copies to submit")
	}
	for i, p := range pending {
		if p.Dst == nil || p.Dst.Handle == 0 {
			return nil, errors.Newf("pending copy %d has no destination buffer", i)
		}
		if len(p.Data) == 0 {
			return nil, errors.Newf("pending copy %d has no data", i)
		}
		if p.Dst.Usage&vulkan.BufferUsageFlags(vulkan.BufferUsageTransferDstBit) == 0 {
			return nil, errors.AssertionFailedf("pending copy %d targets a buffer without transfer-dst usage", i)
		}
		if vulkan.DeviceSize(len(p.Data)) > p.Dst.Size {
			return nil, allocError(errors.Newf("%d bytes do not fit a %d byte buffer", len(p.Data), p.Dst.Size), "stage copy")
		}
	}

	c := m.ctx
	drv := c.driver
	r := &CopyReceipt{}
	release := func() {
		for _, buf := range r.staging {
			c.allocator.DestroyBuffer(buf)
		}
		r.staging = nil
		if r.commands != 0 {
			drv.FreeCommandBuffer(c.device, m.pool, r.commands)
		}
		if r.fence != 0 {
			drv.DestroyFence(c.device, r.fence)
		}
	}

	var total vulkan.DeviceSize
	for _, p := range pending {
		staging, err := c.allocator.CreateBuffer(p.Dst.Size,
			vulkan.BufferUsageFlags(vulkan.BufferUsageTransferSrcBit), MemoryHostSequentialWrite)
		if err != nil {
			release()
			return nil, err
		}
		r.staging = append(r.staging, staging)
		if err := c.allocator.CopyToHostVisible(staging, p.Data); err != nil {
			release()
			return nil, errors.Wrap(err, "fill staging buffer")
		}
		total += vulkan.DeviceSize(len(p.Data))
	}

	var err error
	if r.commands, err = drv.AllocateCommandBuffer(c.device, m.pool); err != nil {
		release()
		return nil, errors.Wrap(err, "allocate transfer command buffer")
	}
	if err := drv.BeginCommandBuffer(r.commands, vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageOneTimeSubmitBit)); err != nil {
		release()
		return nil, errors.Wrap(err, "begin transfer command buffer")
	}

	srcFamily, dstFamily, shared := m.families()
	releases := make([]BufferBarrier, 0, len(pending))
	for i, p := range pending {
		drv.CmdCopyBuffer(r.commands, r.staging[i].Handle, p.Dst.Handle, vulkan.DeviceSize(len(p.Data)))
		rel := BufferBarrier{
			SrcAccess: vulkan.AccessFlags(vulkan.AccessTransferWriteBit),
			DstAccess: p.DstAccess,
			SrcFamily: srcFamily,
			DstFamily: dstFamily,
			Buffer:    p.Dst.Handle,
			Size:      WholeSize,
		}
		releases = append(releases, rel)
		acq := rel
		if !shared {
			// The release already made the write available.
			acq.SrcAccess = 0
		}
		r.acquire = append(r.acquire, acq)
	}
	drv.CmdPipelineBarrier(r.commands,
		vulkan.PipelineStageFlags(vulkan.PipelineStageTransferBit),
		vulkan.PipelineStageFlags(vulkan.PipelineStageBottomOfPipeBit),
		releases, nil)
	if err := drv.EndCommandBuffer(r.commands); err != nil {
		release()
		return nil, errors.Wrap(err, "end transfer command buffer")
	}

	if r.fence, err = drv.CreateFence(c.device, false); err != nil {
		release()
		return nil, errors.Wrap(err, "create transfer fence")
	}
	if err := drv.QueueSubmit(c.transfer.Queue, []SubmitInfo{{Commands: []CommandBuffer{r.commands}}}, r.fence); err != nil {
		release()
		return nil, errors.Wrap(err, "submit transfer")
	}
	m.logger.Debug("copies submitted",
		slog.Int("copies", len(pending)),
		slog.String("bytes", units.BytesSize(float64(total))),
		slog.Bool("ownershipTransfer", !shared))
	return r, nil
}

// CheckCompleted polls r without blocking. Once the transfer has finished it
// records the acquire barriers into graphicsCB, frees the staging resources
// and reports true. An unfinished receipt is left untouched.
func (m *TransferManager) CheckCompleted(r *CopyReceipt, graphicsCB CommandBuffer) (bool, error) {
	if r.done {
		return false, errors.AssertionFailedf("copy receipt polled after completion")
	}
	c := m.ctx
	signaled, err := c.driver.FenceStatus(c.device, r.fence)
	if err != nil {
		return false, errors.Wrap(err, "poll transfer fence")
	}
	if !signaled {
		return false, nil
	}

	c.driver.CmdPipelineBarrier(graphicsCB,
		vulkan.PipelineStageFlags(vulkan.PipelineStageTransferBit),
		vulkan.PipelineStageFlags(vulkan.PipelineStageVertexInputBit),
		r.acquire, nil)
	m.release(r)
	m.logger.Debug("copies acquired", slog.Int("buffers", len(r.acquire)))
	return true, nil
}

// Discard waits for r's copies and frees its resources without recording
// the acquire barriers. It is meant for shutdown, when the destination
// buffers will never be drawn.
func (m *TransferManager) Discard(r *CopyReceipt) error {
	if r == nil || r.done {
		return nil
	}
	c := m.ctx
	err := c.driver.WaitFence(c.device, r.fence, NoTimeout)
	m.release(r)
	if err != nil {
		return errors.Wrap(err, "wait for discarded copies")
	}
	return nil
}

func (m *TransferManager) release(r *CopyReceipt) {
	c := m.ctx
	for _, buf := range r.staging {
		c.allocator.DestroyBuffer(buf)
	}
	r.staging = nil
	c.driver.DestroyFence(c.device, r.fence)
	c.driver.FreeCommandBuffer(c.device, m.pool, r.commands)
	r.fence, r.commands = 0, 0
	r.done = true
}
