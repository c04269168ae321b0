package gpu_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
)

type transferFixture struct {
	d      *gputest.Driver
	ctx    *gpu.DeviceContext
	tm     *gpu.TransferManager
	frame  *gpu.FrameCommandData
	dst    *gpu.DeviceBuffer
	teardn func()
}

func newTransferFixture(t *testing.T, d *gputest.Driver, size vulkan.DeviceSize) *transferFixture {
	t.Helper()
	ctx := newContext(t, d)
	tm, err := gpu.NewTransferManager(ctx)
	if err != nil {
		t.Fatalf("NewTransferManager: %v", err)
	}
	frame, err := gpu.NewFrameCommandData(ctx)
	if err != nil {
		t.Fatalf("NewFrameCommandData: %v", err)
	}
	dst, err := ctx.Allocator().CreateBuffer(size,
		vulkan.BufferUsageFlags(vulkan.BufferUsageVertexBufferBit|vulkan.BufferUsageTransferDstBit), gpu.MemoryDeviceLocal)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	f := &transferFixture{d: d, ctx: ctx, tm: tm, frame: frame, dst: dst}
	f.teardn = func() {
		ctx.Allocator().DestroyBuffer(dst)
		frame.Destroy()
		tm.Destroy()
		ctx.Destroy()
	}
	return f
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestTransferRoundTrip(t *testing.T) {
	d := gputest.New(family(0, true, g, c, x), family(1, false, x))
	f := newTransferFixture(t, d, 64)
	data := pattern(64)

	r, err := f.tm.SubmitCopies([]gpu.PendingCopy{{
		Data:      data,
		Dst:       f.dst,
		DstAccess: vulkan.AccessFlags(vulkan.AccessVertexAttributeReadBit),
	}})
	if err != nil {
		t.Fatalf("SubmitCopies: %v", err)
	}
	if r.StagingCount() != 1 {
		t.Fatalf("staging count %d", r.StagingCount())
	}
	last := d.Submissions[len(d.Submissions)-1]
	if last.Queue != f.ctx.TransferQueue().Queue {
		t.Errorf("copies submitted on queue %d, want transfer queue", last.Queue)
	}

	release := d.Barriers[len(d.Barriers)-1]
	if release.Src != vulkan.PipelineStageFlags(vulkan.PipelineStageTransferBit) ||
		release.Dst != vulkan.PipelineStageFlags(vulkan.PipelineStageBottomOfPipeBit) {
		t.Errorf("release stages %#x->%#x", release.Src, release.Dst)
	}
	rb := release.Buffers[0]
	if rb.SrcFamily != 1 || rb.DstFamily != 0 || rb.SrcAccess != vulkan.AccessFlags(vulkan.AccessTransferWriteBit) {
		t.Errorf("release barrier %+v", rb)
	}

	done, err := f.tm.CheckCompleted(r, f.frame.Commands)
	if err != nil || !done {
		t.Fatalf("CheckCompleted = %v, %v", done, err)
	}
	if r.StagingCount() != 0 || !r.Done() {
		t.Errorf("receipt not torn down: staging %d done %v", r.StagingCount(), r.Done())
	}
	if got := d.BufferContents(f.dst.Handle); !bytes.Equal(got, data) {
		t.Errorf("destination holds %v, want %v", got, data)
	}

	acquire := d.Barriers[len(d.Barriers)-1]
	if acquire.Commands != f.frame.Commands {
		t.Errorf("acquire recorded into %d, want graphics command buffer", acquire.Commands)
	}
	if acquire.Src != vulkan.PipelineStageFlags(vulkan.PipelineStageTransferBit) ||
		acquire.Dst != vulkan.PipelineStageFlags(vulkan.PipelineStageVertexInputBit) {
		t.Errorf("acquire stages %#x->%#x", acquire.Src, acquire.Dst)
	}
	ab := acquire.Buffers[0]
	if ab.SrcAccess != 0 || ab.DstAccess != vulkan.AccessFlags(vulkan.AccessVertexAttributeReadBit) ||
		ab.SrcFamily != 1 || ab.DstFamily != 0 || ab.Buffer != f.dst.Handle {
		t.Errorf("acquire barrier %+v", ab)
	}

	if d.Live(gputest.KindBuffer) != 1 || d.Live(gputest.KindFence) != 1 {
		t.Errorf("after completion: %v", d.LiveTotal())
	}
	f.teardn()
	checkClean(t, d)
}

func TestTransferSameFamily(t *testing.T) {
	d := gputest.New()
	f := newTransferFixture(t, d, 16)
	defer f.teardn()

	r, err := f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(16), Dst: f.dst, DstAccess: vulkan.AccessFlags(vulkan.AccessIndexReadBit)}})
	if err != nil {
		t.Fatalf("SubmitCopies: %v", err)
	}
	for _, b := range r.Barriers() {
		if b.SrcFamily != gpu.QueueFamilyIgnored || b.DstFamily != gpu.QueueFamilyIgnored {
			t.Errorf("same-family barrier transfers ownership: %+v", b)
		}
		if b.SrcAccess != vulkan.AccessFlags(vulkan.AccessTransferWriteBit) {
			t.Errorf("same-family acquire must wait on the transfer write: %+v", b)
		}
	}
	if _, err := f.tm.CheckCompleted(r, f.frame.Commands); err != nil {
		t.Fatal(err)
	}
}

func TestPollBeforeSignal(t *testing.T) {
	d := gputest.New(family(0, true, g, c, x), family(1, false, x))
	f := newTransferFixture(t, d, 64)
	d.HoldFences = true

	r, err := f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(64), Dst: f.dst, DstAccess: vulkan.AccessFlags(vulkan.AccessVertexAttributeReadBit)}})
	if err != nil {
		t.Fatalf("SubmitCopies: %v", err)
	}
	barriers := len(d.Barriers)
	for i := 0; i < 3; i++ {
		done, err := f.tm.CheckCompleted(r, f.frame.Commands)
		if err != nil || done {
			t.Fatalf("poll %d: done %v err %v", i, done, err)
		}
	}
	if r.StagingCount() != 1 || r.Done() || len(d.Barriers) != barriers {
		t.Errorf("unsignaled poll mutated state: staging %d done %v barriers %d->%d",
			r.StagingCount(), r.Done(), barriers, len(d.Barriers))
	}
	if bytes.Equal(d.BufferContents(f.dst.Handle), pattern(64)) {
		t.Error("copy landed before the submission completed")
	}

	d.CompletePending()
	done, err := f.tm.CheckCompleted(r, f.frame.Commands)
	if err != nil || !done {
		t.Fatalf("after signal: done %v err %v", done, err)
	}
	if _, err := f.tm.CheckCompleted(r, f.frame.Commands); !errors.HasAssertionFailure(err) {
		t.Errorf("reusing a completed receipt: %v", err)
	}
	f.teardn()
	checkClean(t, d)
}

func TestSubmitCopiesRejects(t *testing.T) {
	d := gputest.New()
	f := newTransferFixture(t, d, 8)
	defer f.teardn()

	if _, err := f.tm.SubmitCopies(nil); err == nil {
		t.Error("empty batch accepted")
	}
	_, err := f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(9), Dst: f.dst}})
	if !errors.Is(err, gpu.ErrAllocation) {
		t.Errorf("oversized copy: %v", err)
	}
	noDst, err := f.ctx.Allocator().CreateBuffer(8, vulkan.BufferUsageFlags(vulkan.BufferUsageVertexBufferBit), gpu.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	defer f.ctx.Allocator().DestroyBuffer(noDst)
	_, err = f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(8), Dst: noDst}})
	if !errors.HasAssertionFailure(err) {
		t.Errorf("copy into a buffer without transfer-dst usage: %v", err)
	}
	if d.Live(gputest.KindBuffer) != 2 || d.Live(gputest.KindCommandBuffer) != 1 {
		t.Errorf("rejected batch left objects: %v", d.LiveTotal())
	}
}

func TestSubmitCopiesFailureReleases(t *testing.T) {
	d := gputest.New()
	f := newTransferFixture(t, d, 32)
	defer f.teardn()

	before := d.LiveTotal()
	d.Fail["QueueSubmit"] = errors.New("injected")
	if _, err := f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(32), Dst: f.dst}}); err == nil {
		t.Fatal("expected submit failure")
	}
	delete(d.Fail, "QueueSubmit")
	if after := d.LiveTotal(); after[gputest.KindBuffer] != before[gputest.KindBuffer] ||
		after[gputest.KindFence] != before[gputest.KindFence] ||
		after[gputest.KindCommandBuffer] != before[gputest.KindCommandBuffer] {
		t.Errorf("failed submission leaked: before %v after %v", before, after)
	}
}

func TestMeshUpload(t *testing.T) {
	type vertex struct{ X, Y, Z float32 }
	d := gputest.New(family(0, true, g, c, x), family(1, false, x))
	ctx := newContext(t, d)
	tm, err := gpu.NewTransferManager(ctx)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := gpu.NewFrameCommandData(ctx)
	if err != nil {
		t.Fatal(err)
	}

	host := gpu.HostMesh[vertex]{
		Vertices: []vertex{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:  []uint32{0, 1, 2},
	}
	mesh, err := gpu.CreateMesh(ctx.Allocator(), host, true)
	if err != nil {
		t.Fatalf("CreateMesh: %v", err)
	}
	if mesh.Vertices.Size != 36 || mesh.Indices.Size != 12 || mesh.IndexCount != 3 {
		t.Errorf("mesh sizes %d/%d count %d", mesh.Vertices.Size, mesh.Indices.Size, mesh.IndexCount)
	}
	pending := gpu.AddPendingCopies(mesh, host, nil)
	if len(pending) != 2 || pending[1].DstAccess != vulkan.AccessFlags(vulkan.AccessIndexReadBit) {
		t.Fatalf("pending copies %+v", pending)
	}
	r, err := tm.SubmitCopies(pending)
	if err != nil {
		t.Fatal(err)
	}
	if done, err := tm.CheckCompleted(r, frame.Commands); !done || err != nil {
		t.Fatalf("CheckCompleted = %v, %v", done, err)
	}
	idx := d.BufferContents(mesh.Indices.Handle)
	if !bytes.Equal(idx, []byte{0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0}) {
		t.Errorf("indices %v", idx)
	}

	hostMesh, err := gpu.CreateMesh(ctx.Allocator(), host, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := gpu.CopyToHostVisibleMesh(ctx.Allocator(), hostMesh, host); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d.BufferContents(hostMesh.Vertices.Handle), d.BufferContents(mesh.Vertices.Handle)) {
		t.Error("host-visible and uploaded vertices differ")
	}

	gpu.DestroyMesh(ctx.Allocator(), mesh)
	gpu.DestroyMesh(ctx.Allocator(), hostMesh)
	frame.Destroy()
	tm.Destroy()
	ctx.Destroy()
	checkClean(t, d)
}

func TestDiscardReceipt(t *testing.T) {
	d := gputest.New(family(0, true, g, c, x), family(1, false, x))
	f := newTransferFixture(t, d, 64)
	d.HoldFences = true

	r, err := f.tm.SubmitCopies([]gpu.PendingCopy{{Data: pattern(64), Dst: f.dst, DstAccess: vulkan.AccessFlags(vulkan.AccessVertexAttributeReadBit)}})
	if err != nil {
		t.Fatalf("SubmitCopies: %v", err)
	}
	barriers := len(d.Barriers)
	if err := f.tm.Discard(r); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if !r.Done() || r.StagingCount() != 0 {
		t.Errorf("discarded receipt: done %v staging %d", r.Done(), r.StagingCount())
	}
	if len(d.Barriers) != barriers {
		t.Error("discard recorded acquire barriers")
	}
	if err := f.tm.Discard(r); err != nil {
		t.Errorf("second discard: %v", err)
	}
	f.teardn()
	checkClean(t, d)
}
