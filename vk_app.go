package main

//go:generate glslc shaders/cube.vert -o shaders/vert.spv
//go:generate glslc shaders/cube.frag -o shaders/frag.spv

import (
	"context"
	"log/slog"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/vkdriver"
)

const (
	maxFramesInFlight = 2
)

var shaderFiles = []gpu.ShaderFile{
	{Path: "shaders/vert.spv", Stage: vulkan.ShaderStageVertexBit},
	{Path: "shaders/frag.spv", Stage: vulkan.ShaderStageFragmentBit},
}

type vertex struct {
	pos   mgl32.Vec3
	color mgl32.Vec4
}

var cube = gpu.HostMesh[vertex]{
	Vertices: []vertex{
		{pos: mgl32.Vec3{-1, -1, -1}, color: mgl32.Vec4{1, 0, 0, 1}},
		{pos: mgl32.Vec3{1, -1, -1}, color: mgl32.Vec4{0, 1, 0, 1}},
		{pos: mgl32.Vec3{1, 1, -1}, color: mgl32.Vec4{0, 0, 1, 1}},
		{pos: mgl32.Vec3{-1, 1, -1}, color: mgl32.Vec4{1, 1, 0, 1}},
		{pos: mgl32.Vec3{-1, -1, 1}, color: mgl32.Vec4{1, 0, 1, 1}},
		{pos: mgl32.Vec3{1, -1, 1}, color: mgl32.Vec4{0, 1, 1, 1}},
		{pos: mgl32.Vec3{1, 1, 1}, color: mgl32.Vec4{1, 1, 1, 1}},
		{pos: mgl32.Vec3{-1, 1, 1}, color: mgl32.Vec4{0.2, 0.6, 1, 1}},
	},
	Indices: []uint32{
		0, 1, 2, 2, 3, 0, // back
		4, 5, 6, 6, 7, 4, // front
		4, 5, 1, 1, 0, 4, // bottom
		7, 6, 2, 2, 3, 7, // top
		4, 0, 3, 3, 7, 4, // left
		5, 1, 2, 2, 6, 5, // right
	},
}

// VulkanApp draws the spinning cube and the FPS overlay on top of a
// gpu.DeviceContext.
type VulkanApp struct {
	drv    *vkdriver.Driver
	ctx    *gpu.DeviceContext
	logger *slog.Logger

	transfer *gpu.TransferManager
	upload   *gpu.CopyReceipt
	depth    *gpu.DepthImages
	resizer  *gpu.SwapchainResizer
	frames   []*gpu.FrameCommandData
	current  int

	renderPass      vulkan.RenderPass
	pipelineLayout  vulkan.PipelineLayout
	pipeline        vulkan.Pipeline
	overlayPipeline vulkan.Pipeline
	// framebuffers[slot][image] pairs a swapchain image with the slot's
	// depth image.
	framebuffers [][]vulkan.Framebuffer

	mesh    *gpu.Mesh
	overlay *fpsOverlay

	startTime   time.Duration
	framesDrawn uint64
}

func newVulkanApp(drv *vkdriver.Driver, cfg gpu.Config) (*VulkanApp, error) {
	ctx, err := gpu.NewDeviceContext(drv, cfg)
	if err != nil {
		return nil, err
	}
	a := &VulkanApp{
		drv:       drv,
		ctx:       ctx,
		logger:    ctx.Logger().With(slog.String("component", "app")),
		startTime: hrtime.Now(),
	}
	if err := a.initVulkan(); err != nil {
		a.Cleanup()
		return nil, err
	}
	ctx.LogDiagnostics()
	return a, nil
}

func (a *VulkanApp) initVulkan() error {
	var err error
	if a.transfer, err = gpu.NewTransferManager(a.ctx); err != nil {
		return err
	}
	a.depth = gpu.NewDepthImages(a.ctx)
	if err := a.depth.Recreate(maxFramesInFlight); err != nil {
		return err
	}
	a.resizer = &gpu.SwapchainResizer{
		Context:        a.ctx,
		Depth:          a.depth,
		FramesInFlight: maxFramesInFlight,
		Resized:        a.createFramebuffers,
	}
	for i := 0; i < maxFramesInFlight; i++ {
		f, err := gpu.NewFrameCommandData(a.ctx)
		if err != nil {
			return errors.Wrapf(err, "frame slot %d", i)
		}
		a.frames = append(a.frames, f)
	}
	if err := a.createRenderPass(); err != nil {
		return err
	}
	if err := a.ctx.LoadPipeline(context.Background(), shaderFiles, gpu.PipelineBuilderFunc(a.createGraphicsPipelines)); err != nil {
		return err
	}
	if err := a.createFramebuffers(); err != nil {
		return err
	}
	if err := a.uploadMesh(); err != nil {
		return err
	}
	if a.overlay, err = newFPSOverlay(a.ctx.Allocator(), maxFramesInFlight); err != nil {
		return err
	}
	return nil
}

// uploadMesh starts the cube upload on the transfer queue. The cube is drawn
// once the receipt reports completion.
func (a *VulkanApp) uploadMesh() error {
	mesh, err := gpu.CreateMesh(a.ctx.Allocator(), cube, true)
	if err != nil {
		return err
	}
	a.mesh = mesh
	receipt, err := a.transfer.SubmitCopies(gpu.AddPendingCopies(mesh, cube, nil))
	if err != nil {
		return errors.Wrap(err, "upload cube")
	}
	a.upload = receipt
	return nil
}

func (a *VulkanApp) device() vulkan.Device {
	return a.drv.Device(a.ctx.Device())
}

func (a *VulkanApp) createRenderPass() error {
	colorAttachment := vulkan.AttachmentDescription{
		Format:         a.ctx.Swapchain().Format.Format,
		Samples:        vulkan.SampleCount1Bit,
		LoadOp:         vulkan.AttachmentLoadOpClear,
		StoreOp:        vulkan.AttachmentStoreOpStore,
		StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
		StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
		// Layout changes around the pass are recorded as explicit barriers.
		InitialLayout: vulkan.ImageLayoutColorAttachmentOptimal,
		FinalLayout:   vulkan.ImageLayoutColorAttachmentOptimal,
	}

	depthAttachment := vulkan.AttachmentDescription{
		Format:         a.depth.Format,
		Samples:        vulkan.SampleCount1Bit,
		LoadOp:         vulkan.AttachmentLoadOpClear,
		StoreOp:        vulkan.AttachmentStoreOpDontCare,
		StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
		StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
		InitialLayout:  vulkan.ImageLayoutUndefined,
		FinalLayout:    vulkan.ImageLayoutDepthStencilAttachmentOptimal,
	}

	colorRef := vulkan.AttachmentReference{
		Attachment: 0,
		Layout:     vulkan.ImageLayoutColorAttachmentOptimal,
	}
	depthRef := vulkan.AttachmentReference{
		Attachment: 1,
		Layout:     vulkan.ImageLayoutDepthStencilAttachmentOptimal,
	}

	subpass := vulkan.SubpassDescription{
		PipelineBindPoint:       vulkan.PipelineBindPointGraphics,
		ColorAttachmentCount:    1,
		PColorAttachments:       []vulkan.AttachmentReference{colorRef},
		PDepthStencilAttachment: &depthRef,
	}

	dependency := vulkan.SubpassDependency{
		SrcSubpass:    vulkan.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit | vulkan.PipelineStageEarlyFragmentTestsBit),
		SrcAccessMask: 0,
		DstStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit | vulkan.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vulkan.AccessFlags(vulkan.AccessColorAttachmentWriteBit | vulkan.AccessDepthStencilAttachmentWriteBit),
	}

	attachments := []vulkan.AttachmentDescription{colorAttachment, depthAttachment}
	createInfo := vulkan.RenderPassCreateInfo{
		SType:           vulkan.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vulkan.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vulkan.SubpassDependency{dependency},
	}

	if res := vulkan.CreateRenderPass(a.device(), &createInfo, nil, &a.renderPass); res != vulkan.Success {
		return errors.Wrap(vulkan.Error(res), "create render pass")
	}
	return nil
}

// createGraphicsPipelines builds the scene pipeline and the overlay pipeline
// from the same shader stages. They differ only in depth testing.
func (a *VulkanApp) createGraphicsPipelines(stages []gpu.ShaderStage) error {
	shaderStages := make([]vulkan.PipelineShaderStageCreateInfo, len(stages))
	for i, s := range stages {
		shaderStages[i] = vulkan.PipelineShaderStageCreateInfo{
			SType:  vulkan.StructureTypePipelineShaderStageCreateInfo,
			Stage:  s.Stage,
			Module: a.drv.ShaderModule(s.Module),
			PName:  s.Entry + "\x00",
		}
	}

	bindingDescription := vulkan.VertexInputBindingDescription{
		Binding:   0,
		Stride:    uint32(unsafe.Sizeof(vertex{})),
		InputRate: vulkan.VertexInputRateVertex,
	}
	attributeDescriptions := []vulkan.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vulkan.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.pos))},
		{Location: 1, Binding: 0, Format: vulkan.FormatR32g32b32a32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.color))},
	}

	vertexInput := vulkan.PipelineVertexInputStateCreateInfo{
		SType:                           vulkan.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   1,
		PVertexBindingDescriptions:      []vulkan.VertexInputBindingDescription{bindingDescription},
		VertexAttributeDescriptionCount: uint32(len(attributeDescriptions)),
		PVertexAttributeDescriptions:    attributeDescriptions,
	}

	inputAssembly := vulkan.PipelineInputAssemblyStateCreateInfo{
		SType:                  vulkan.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vulkan.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vulkan.False,
	}

	// Viewport and scissor are set per frame so the pipelines survive resizes.
	viewportState := vulkan.PipelineViewportStateCreateInfo{
		SType:         vulkan.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	dynamicState := vulkan.PipelineDynamicStateCreateInfo{
		SType:             vulkan.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: 2,
		PDynamicStates:    []vulkan.DynamicState{vulkan.DynamicStateViewport, vulkan.DynamicStateScissor},
	}

	rasterizer := vulkan.PipelineRasterizationStateCreateInfo{
		SType:                   vulkan.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vulkan.False,
		RasterizerDiscardEnable: vulkan.False,
		PolygonMode:             vulkan.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                vulkan.CullModeFlags(vulkan.CullModeBackBit),
		FrontFace:               vulkan.FrontFaceCounterClockwise,
		DepthBiasEnable:         vulkan.False,
	}
	overlayRasterizer := rasterizer
	overlayRasterizer.CullMode = vulkan.CullModeFlags(vulkan.CullModeNone)

	multisampling := vulkan.PipelineMultisampleStateCreateInfo{
		SType:                vulkan.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vulkan.SampleCount1Bit,
	}

	depthStencil := vulkan.PipelineDepthStencilStateCreateInfo{
		SType:                 vulkan.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       vulkan.True,
		DepthWriteEnable:      vulkan.True,
		DepthCompareOp:        vulkan.CompareOpLess,
		DepthBoundsTestEnable: vulkan.False,
		StencilTestEnable:     vulkan.False,
	}
	overlayDepth := depthStencil
	overlayDepth.DepthTestEnable = vulkan.False
	overlayDepth.DepthWriteEnable = vulkan.False
	overlayDepth.DepthCompareOp = vulkan.CompareOpAlways

	colorBlendAttachment := vulkan.PipelineColorBlendAttachmentState{
		ColorWriteMask: vulkan.ColorComponentFlags(vulkan.ColorComponentRBit | vulkan.ColorComponentGBit | vulkan.ColorComponentBBit | vulkan.ColorComponentABit),
		BlendEnable:    vulkan.False,
	}
	colorBlending := vulkan.PipelineColorBlendStateCreateInfo{
		SType:           vulkan.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vulkan.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}

	pipelineLayoutInfo := vulkan.PipelineLayoutCreateInfo{
		SType:                  vulkan.StructureTypePipelineLayoutCreateInfo,
		PushConstantRangeCount: 1,
		PPushConstantRanges: []vulkan.PushConstantRange{{
			StageFlags: vulkan.ShaderStageFlags(vulkan.ShaderStageVertexBit),
			Offset:     0,
			Size:       uint32(unsafe.Sizeof(mgl32.Mat4{})),
		}},
	}
	if res := vulkan.CreatePipelineLayout(a.device(), &pipelineLayoutInfo, nil, &a.pipelineLayout); res != vulkan.Success {
		return errors.Wrap(vulkan.Error(res), "create pipeline layout")
	}

	pipelineInfo := vulkan.GraphicsPipelineCreateInfo{
		SType:               vulkan.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(shaderStages)),
		PStages:             shaderStages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlending,
		PDynamicState:       &dynamicState,
		Layout:              a.pipelineLayout,
		RenderPass:          a.renderPass,
		Subpass:             0,
	}
	overlayInfo := pipelineInfo
	overlayInfo.PRasterizationState = &overlayRasterizer
	overlayInfo.PDepthStencilState = &overlayDepth

	pipelines := make([]vulkan.Pipeline, 2)
	if res := vulkan.CreateGraphicsPipelines(a.device(), vulkan.PipelineCache(vulkan.NullHandle), 2, []vulkan.GraphicsPipelineCreateInfo{pipelineInfo, overlayInfo}, nil, pipelines); res != vulkan.Success {
		vulkan.DestroyPipelineLayout(a.device(), a.pipelineLayout, nil)
		a.pipelineLayout = vulkan.PipelineLayout(vulkan.NullHandle)
		return errors.Wrap(vulkan.Error(res), "create graphics pipelines")
	}
	a.pipeline, a.overlayPipeline = pipelines[0], pipelines[1]
	return nil
}

// createFramebuffers (re)builds one framebuffer per frame slot and swapchain
// image. It also serves as the resizer's callback.
func (a *VulkanApp) createFramebuffers() error {
	a.destroyFramebuffers()
	chain := a.ctx.Swapchain()
	depth := a.depth.Images()
	a.framebuffers = make([][]vulkan.Framebuffer, len(depth))
	for slot := range depth {
		a.framebuffers[slot] = make([]vulkan.Framebuffer, len(chain.Images))
		for i, img := range chain.Images {
			attachments := []vulkan.ImageView{a.drv.ImageView(img.View), a.drv.ImageView(depth[slot].View)}
			createInfo := vulkan.FramebufferCreateInfo{
				SType:           vulkan.StructureTypeFramebufferCreateInfo,
				RenderPass:      a.renderPass,
				AttachmentCount: uint32(len(attachments)),
				PAttachments:    attachments,
				Width:           chain.Extent.Width,
				Height:          chain.Extent.Height,
				Layers:          1,
			}
			if res := vulkan.CreateFramebuffer(a.device(), &createInfo, nil, &a.framebuffers[slot][i]); res != vulkan.Success {
				return errors.Wrapf(vulkan.Error(res), "create framebuffer %d/%d", slot, i)
			}
		}
	}
	return nil
}

func (a *VulkanApp) destroyFramebuffers() {
	for _, slot := range a.framebuffers {
		for _, fb := range slot {
			if fb != vulkan.Framebuffer(vulkan.NullHandle) {
				vulkan.DestroyFramebuffer(a.device(), fb, nil)
			}
		}
	}
	a.framebuffers = nil
}

// sceneTransform spins the cube around Z. The viewport is flipped, so the
// projection stays in its GL form.
func (a *VulkanApp) sceneTransform() mgl32.Mat4 {
	elapsed := float32(hrtime.Since(a.startTime).Seconds())
	extent := a.ctx.Swapchain().Extent
	model := mgl32.HomogRotate3D(elapsed*mgl32.DegToRad(45), mgl32.Vec3{0, 0, 1})
	view := mgl32.LookAtV(
		mgl32.Vec3{3, 3, 3},
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{0, 0, 1},
	)
	proj := mgl32.Perspective(mgl32.DegToRad(45), float32(extent.Width)/float32(extent.Height), 0.1, 10.0)
	return proj.Mul4(view).Mul4(model)
}

func flippedViewport(extent gpu.Extent2D) vulkan.Viewport {
	return vulkan.Viewport{
		X:        0,
		Y:        float32(extent.Height),
		Width:    float32(extent.Width),
		Height:   -float32(extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}
}

func (a *VulkanApp) recordScene(frame *gpu.FrameCommandData, imageIndex uint32) {
	cb := a.drv.CommandBuffer(frame.Commands)
	extent := a.ctx.Swapchain().Extent
	vkExtent := vulkan.Extent2D{Width: extent.Width, Height: extent.Height}

	clearColor := vulkan.NewClearValue([]float32{0.05, 0.05, 0.08, 1.0})
	clearDepth := vulkan.NewClearDepthStencil(1.0, 0)
	clearValues := []vulkan.ClearValue{clearColor, clearDepth}

	renderPassInfo := vulkan.RenderPassBeginInfo{
		SType:       vulkan.StructureTypeRenderPassBeginInfo,
		RenderPass:  a.renderPass,
		Framebuffer: a.framebuffers[a.current][imageIndex],
		RenderArea: vulkan.Rect2D{
			Offset: vulkan.Offset2D{X: 0, Y: 0},
			Extent: vkExtent,
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}

	vulkan.CmdBeginRenderPass(cb, &renderPassInfo, vulkan.SubpassContentsInline)
	vulkan.CmdSetViewport(cb, 0, 1, []vulkan.Viewport{flippedViewport(extent)})
	vulkan.CmdSetScissor(cb, 0, 1, []vulkan.Rect2D{{Extent: vkExtent}})

	if a.upload == nil {
		mvp := a.sceneTransform()
		vulkan.CmdBindPipeline(cb, vulkan.PipelineBindPointGraphics, a.pipeline)
		a.drawMesh(cb, a.mesh, mvp)
	}

	if m := a.overlay.Mesh(a.current); m.IndexCount > 0 {
		vulkan.CmdBindPipeline(cb, vulkan.PipelineBindPointGraphics, a.overlayPipeline)
		a.drawMesh(cb, m, mgl32.Ident4())
	}

	vulkan.CmdEndRenderPass(cb)
}

func (a *VulkanApp) drawMesh(cb vulkan.CommandBuffer, m *gpu.Mesh, mvp mgl32.Mat4) {
	vulkan.CmdPushConstants(cb, a.pipelineLayout, vulkan.ShaderStageFlags(vulkan.ShaderStageVertexBit),
		0, uint32(unsafe.Sizeof(mvp)), unsafe.Pointer(&mvp[0]))
	vulkan.CmdBindVertexBuffers(cb, 0, 1, []vulkan.Buffer{a.drv.Buffer(m.Vertices.Handle)}, []vulkan.DeviceSize{0})
	vulkan.CmdBindIndexBuffer(cb, a.drv.Buffer(m.Indices.Handle), 0, vulkan.IndexTypeUint32)
	vulkan.CmdDrawIndexed(cb, m.IndexCount, 1, 0, 0, 0)
}

// DrawFrame runs one acquire, record, submit and present cycle for the
// current frame slot.
func (a *VulkanApp) DrawFrame(in frameInput) error {
	if in.resized {
		if err := a.resizer.HandleResize(); err != nil {
			return err
		}
	}

	frame := a.frames[a.current]
	imageIndex, err := frame.Acquire(a.resizer)
	if err != nil {
		return err
	}
	if err := frame.Begin(); err != nil {
		return err
	}

	if a.upload != nil {
		done, err := a.transfer.CheckCompleted(a.upload, frame.Commands)
		if err != nil {
			return err
		}
		if done {
			a.logger.Debug("cube upload complete", slog.Uint64("frame", a.framesDrawn))
			a.upload = nil
		}
	}
	if err := a.overlay.Update(a.current, a.ctx.Swapchain().Extent); err != nil {
		return err
	}

	swap := a.ctx.Swapchain().Images[imageIndex]
	a.ctx.TransitionImage(frame.Commands, swap.Image, gpu.UndefinedToColor)
	a.recordScene(frame, imageIndex)
	a.ctx.TransitionImage(frame.Commands, swap.Image, gpu.ColorToPresent)

	if err := frame.End(); err != nil {
		return err
	}
	if err := frame.Submit(imageIndex); err != nil {
		return err
	}
	if _, err := frame.Present(imageIndex, a.resizer); err != nil {
		return err
	}

	a.framesDrawn++
	a.current = (a.current + 1) % len(a.frames)
	return nil
}

func (a *VulkanApp) Cleanup() {
	if a.ctx == nil {
		return
	}
	if err := a.ctx.Driver().WaitIdle(a.ctx.Device()); err != nil {
		a.logger.Warn("wait idle before cleanup", slog.Any("err", err))
	}
	dev := a.device()

	a.destroyFramebuffers()
	if a.pipeline != vulkan.Pipeline(vulkan.NullHandle) {
		vulkan.DestroyPipeline(dev, a.pipeline, nil)
	}
	if a.overlayPipeline != vulkan.Pipeline(vulkan.NullHandle) {
		vulkan.DestroyPipeline(dev, a.overlayPipeline, nil)
	}
	if a.pipelineLayout != vulkan.PipelineLayout(vulkan.NullHandle) {
		vulkan.DestroyPipelineLayout(dev, a.pipelineLayout, nil)
	}
	if a.renderPass != vulkan.RenderPass(vulkan.NullHandle) {
		vulkan.DestroyRenderPass(dev, a.renderPass, nil)
	}

	alloc := a.ctx.Allocator()
	if a.overlay != nil {
		a.overlay.Destroy(alloc)
	}
	if a.upload != nil {
		if err := a.transfer.Discard(a.upload); err != nil {
			a.logger.Warn("discard pending upload", slog.Any("err", err))
		}
	}
	gpu.DestroyMesh(alloc, a.mesh)
	for _, f := range a.frames {
		f.Destroy()
	}
	if a.depth != nil {
		a.depth.Destroy()
	}
	if a.transfer != nil {
		a.transfer.Destroy()
	}
	a.ctx.Destroy()
	a.ctx = nil
}
