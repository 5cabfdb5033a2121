//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/sim"
)

// styleSize is the size of the per-pipeline style uniform.
const styleSize = 16

// pipeline renders instanced fish into an offscreen sRGB colour target
// with a Depth32Float depth buffer, then reads the encoded colour target
// back into the caller's image.
//
// The descriptor's texture is uploaded once as an sRGB texture and sampled
// with nearest filtering; texels below half alpha are discarded.
type pipeline struct {
	d          *Device
	desc       device.PipelineDescriptor
	rowPitch   uint32
	indexCount uint32

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	raw        hal.RenderPipeline

	vertexBuf  hal.Buffer
	indexBuf   hal.Buffer
	styleBuf   hal.Buffer
	stagingBuf hal.Buffer

	colorTex  hal.Texture
	colorView hal.TextureView
	depthTex  hal.Texture
	depthView hal.TextureView

	fishTex  hal.Texture
	fishView hal.TextureView
	sampler  hal.Sampler
	texSize  image.Point

	groups []hal.BindGroup
}

type renderGroup struct {
	label string
	raw   hal.BindGroup
	inst  *buffer
}

func (g *renderGroup) Label() string { return g.label }

// CreatePipeline implements device.Device.
func (d *Device) CreatePipeline(desc *device.PipelineDescriptor) (device.Pipeline, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("%w: pipeline %q: target extent %dx%d", device.ErrDevice, desc.Label, desc.Width, desc.Height)
	}
	if len(desc.Mesh.Indices) == 0 || len(desc.Mesh.Indices)%3 != 0 {
		return nil, fmt.Errorf("%w: pipeline %q: %d indices is not a triangle list", device.ErrDevice, desc.Label, len(desc.Mesh.Indices))
	}
	p := &pipeline{
		d:          d,
		desc:       *desc,
		rowPitch:   (uint32(desc.Width)*4 + 255) &^ 255,
		indexCount: uint32(len(desc.Mesh.Indices)),
	}
	if p.desc.InstanceScale <= 0 {
		p.desc.InstanceScale = 1
	}
	if err := p.create(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("pipeline %q: %w", desc.Label, err)
	}
	slogger().Debug("gpu: pipeline created", "label", desc.Label,
		"extent", image.Pt(desc.Width, desc.Height), "row_pitch", p.rowPitch)
	return p, nil
}

func (p *pipeline) create() error {
	if err := p.createRenderPipeline(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	if err := p.createBuffers(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrAllocation, err)
	}
	if err := p.createTargets(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrAllocation, err)
	}
	if err := p.uploadTexture(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrAllocation, err)
	}
	return nil
}

func (p *pipeline) createRenderPipeline() error {
	dev := p.d.dev
	var err error
	p.shader, err = p.d.createShader("fish", fishShaderSource)
	if err != nil {
		return fmt.Errorf("compile fish shader: %w", err)
	}
	p.bindLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "fish_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageVertex, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageVertex, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageVertex, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{
				Binding:    3,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{Binding: 4, Visibility: gputypes.ShaderStageFragment, Sampler: &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	p.pipeLayout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "fish_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	keep := hal.StencilFaceState{
		Compare:     gputypes.CompareFunctionAlways,
		FailOp:      hal.StencilOperationKeep,
		DepthFailOp: hal.StencilOperationKeep,
		PassOp:      hal.StencilOperationKeep,
	}
	p.raw, err = dev.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "fish_pipeline",
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     p.shader,
			EntryPoint: "vs_main",
			Buffers:    meshVertexLayout(),
		},
		Fragment: &hal.FragmentState{
			Module:     p.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    gputypes.TextureFormatRGBA8UnormSrgb,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		DepthStencil: &hal.DepthStencilState{
			Format:            gputypes.TextureFormatDepth32Float,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilFront:      keep,
			StencilBack:       keep,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0x00,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create render pipeline: %w", err)
	}
	return nil
}

// meshVertexLayout matches device.Vertex: pos, colour, uv.
func meshVertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: device.VertexStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				{Format: gputypes.VertexFormatFloat32x3, Offset: 8, ShaderLocation: 1},
				{Format: gputypes.VertexFormatFloat32x2, Offset: 20, ShaderLocation: 2},
			},
		},
	}
}

func encodeMesh(m device.Mesh) (vertices, indices []byte) {
	vertices = make([]byte, len(m.Vertices)*device.VertexStride)
	for i, v := range m.Vertices {
		f := [7]float32{v.Pos[0], v.Pos[1], v.Color[0], v.Color[1], v.Color[2], v.UV[0], v.UV[1]}
		for k, x := range f {
			binary.LittleEndian.PutUint32(vertices[i*device.VertexStride+k*4:], math.Float32bits(x))
		}
	}
	// Index buffer writes must be 4-byte aligned.
	indices = make([]byte, (len(m.Indices)*2+3)&^3)
	for i, idx := range m.Indices {
		binary.LittleEndian.PutUint16(indices[i*2:], idx)
	}
	return vertices, indices
}

func (p *pipeline) createBuffers() error {
	dev, q := p.d.dev, p.d.halQueue
	vertices, indices := encodeMesh(p.desc.Mesh)

	var err error
	p.vertexBuf, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "fish_vertices", Size: uint64(len(vertices)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create vertex buffer: %w", err)
	}
	p.indexBuf, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "fish_indices", Size: uint64(len(indices)),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create index buffer: %w", err)
	}
	p.styleBuf, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "fish_style", Size: styleSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create style buffer: %w", err)
	}
	p.stagingBuf, err = dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "fish_staging", Size: uint64(p.rowPitch) * uint64(p.desc.Height),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}

	style := make([]byte, styleSize)
	binary.LittleEndian.PutUint32(style, math.Float32bits(p.desc.InstanceScale))

	p.d.mu.Lock()
	q.WriteBuffer(p.vertexBuf, 0, vertices)
	q.WriteBuffer(p.indexBuf, 0, indices)
	q.WriteBuffer(p.styleBuf, 0, style)
	p.d.mu.Unlock()
	return nil
}

func (p *pipeline) createTargets() error {
	dev := p.d.dev
	size := hal.Extent3D{Width: uint32(p.desc.Width), Height: uint32(p.desc.Height), DepthOrArrayLayers: 1}

	var err error
	p.colorTex, err = dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "fish_color",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8UnormSrgb,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("create colour texture: %w", err)
	}
	p.colorView, err = dev.CreateTextureView(p.colorTex, &hal.TextureViewDescriptor{
		Label:         "fish_color_view",
		Format:        gputypes.TextureFormatRGBA8UnormSrgb,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		return fmt.Errorf("create colour view: %w", err)
	}
	p.depthTex, err = dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "fish_depth",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatDepth32Float,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fmt.Errorf("create depth texture: %w", err)
	}
	p.depthView, err = dev.CreateTextureView(p.depthTex, &hal.TextureViewDescriptor{
		Label: "fish_depth_view",
	})
	if err != nil {
		return fmt.Errorf("create depth view: %w", err)
	}
	return nil
}

// texturePixels returns img as tightly packed RGBA at the origin. A nil or
// empty image becomes one opaque white texel.
func texturePixels(img image.Image) *image.RGBA {
	if img == nil || img.Bounds().Empty() {
		white := image.NewRGBA(image.Rect(0, 0, 1, 1))
		copy(white.Pix, []uint8{255, 255, 255, 255})
		return white
	}
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)
	return rgba
}

func (p *pipeline) uploadTexture() error {
	dev := p.d.dev
	pix := texturePixels(p.desc.Texture)
	w, h := uint32(pix.Rect.Dx()), uint32(pix.Rect.Dy())
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}

	var err error
	p.fishTex, err = dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "fish_texture",
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8UnormSrgb,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create fish texture: %w", err)
	}
	p.fishView, err = dev.CreateTextureView(p.fishTex, &hal.TextureViewDescriptor{
		Label:         "fish_texture_view",
		Format:        gputypes.TextureFormatRGBA8UnormSrgb,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		return fmt.Errorf("create fish texture view: %w", err)
	}
	p.sampler, err = dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        "fish_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
	})
	if err != nil {
		return fmt.Errorf("create fish sampler: %w", err)
	}

	p.d.mu.Lock()
	p.d.halQueue.WriteTexture(
		&hal.ImageCopyTexture{Texture: p.fishTex, MipLevel: 0},
		pix.Pix,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: w * 4, RowsPerImage: h},
		&size,
	)
	p.d.mu.Unlock()
	p.texSize = image.Pt(int(w), int(h))
	return nil
}

func (p *pipeline) Bind(label string, b device.RenderBindings) (device.BindGroup, error) {
	cam, err := asBuffer(b.Camera)
	if err != nil {
		return nil, err
	}
	inst, err := asBuffer(b.Instances)
	if err != nil {
		return nil, err
	}
	if cam.size < device.CameraUniformSize {
		return nil, fmt.Errorf("%w: %s: camera buffer %q is %d bytes", device.ErrDevice, label, cam.label, cam.size)
	}
	raw, err := p.d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: label, Layout: p.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: cam.binding()},
			{Binding: 1, Resource: inst.binding()},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: p.styleBuf.NativeHandle(), Offset: 0, Size: styleSize}},
			{Binding: 3, Resource: gputypes.TextureViewBinding{TextureView: p.fishView.NativeHandle()}},
			{Binding: 4, Resource: gputypes.SamplerBinding{Sampler: p.sampler.NativeHandle()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: create bind group: %w", device.ErrAllocation, label, err)
	}
	p.groups = append(p.groups, raw)
	return &renderGroup{label: label, raw: raw, inst: inst}, nil
}

// Draw records the render pass and the colour readback in the vertex
// input phase, and copies the pixels into the target in the colour output
// phase, so the target image is only touched once it is free.
func (p *pipeline) Draw(bg device.BindGroup, call device.DrawCall) (device.Work, error) {
	g, ok := bg.(*renderGroup)
	if !ok {
		return device.Work{}, fmt.Errorf("%w: bind group %T is not a render group", device.ErrDevice, bg)
	}
	if call.Target == nil || call.Target.Rect.Dx() != p.desc.Width || call.Target.Rect.Dy() != p.desc.Height {
		return device.Work{}, fmt.Errorf("%w: %s: target does not match the %dx%d pipeline extent",
			device.ErrDevice, g.label, p.desc.Width, p.desc.Height)
	}
	if call.IndexCount > p.indexCount || call.IndexCount%3 != 0 {
		return device.Work{}, fmt.Errorf("%w: %s: index count %d", device.ErrDevice, g.label, call.IndexCount)
	}
	if sim.AgentBytes(int(call.InstanceCount)) > g.inst.size {
		return device.Work{}, fmt.Errorf("%w: %s: %d instances overrun buffer %q",
			device.ErrDevice, g.label, call.InstanceCount, g.inst.label)
	}
	return device.Work{
		Label: g.label,
		Phases: []device.Phase{
			{
				Stage: device.StageVertexInput,
				Name:  "render",
				Run:   func() error { return p.render(g, call) },
			},
			{
				Stage: device.StageColorAttachmentOutput,
				Name:  "resolve",
				Run:   func() error { return p.resolve(call.Target) },
			},
		},
	}, nil
}

func (p *pipeline) render(g *renderGroup, call device.DrawCall) error {
	w, h := uint32(p.desc.Width), uint32(p.desc.Height)
	c := p.desc.ClearColor
	return p.d.record(g.label, func(enc hal.CommandEncoder) {
		rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: g.label,
			ColorAttachments: []hal.RenderPassColorAttachment{
				{
					View:       p.colorView,
					LoadOp:     gputypes.LoadOpClear,
					StoreOp:    gputypes.StoreOpStore,
					ClearValue: gputypes.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2]), A: float64(c[3])},
				},
			},
			DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
				View:            p.depthView,
				DepthLoadOp:     gputypes.LoadOpClear,
				DepthStoreOp:    gputypes.StoreOpDiscard,
				DepthClearValue: 1.0,
			},
		})
		rp.SetPipeline(p.raw)
		rp.SetBindGroup(0, g.raw, nil)
		rp.SetVertexBuffer(0, p.vertexBuf, 0)
		rp.SetIndexBuffer(p.indexBuf, gputypes.IndexFormatUint16, 0)
		rp.DrawIndexed(call.IndexCount, call.InstanceCount, 0, 0, 0)
		rp.End()

		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: p.colorTex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageRenderAttachment,
				NewUsage: gputypes.TextureUsageCopySrc,
			},
		}})
		enc.CopyTextureToBuffer(p.colorTex, p.stagingBuf, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: p.rowPitch, RowsPerImage: h},
			TextureBase:  hal.ImageCopyTexture{Texture: p.colorTex, MipLevel: 0},
			Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		}})
	})
}

// resolve copies the staged pixels into target, dropping row padding.
func (p *pipeline) resolve(target *image.RGBA) error {
	staged := make([]byte, int(p.rowPitch)*p.desc.Height)
	p.d.mu.Lock()
	err := p.d.halQueue.ReadBuffer(p.stagingBuf, 0, staged)
	p.d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	row := p.desc.Width * 4
	for y := range p.desc.Height {
		src := staged[y*int(p.rowPitch) : y*int(p.rowPitch)+row]
		o := target.PixOffset(target.Rect.Min.X, target.Rect.Min.Y+y)
		copy(target.Pix[o:o+row], src)
	}
	return nil
}

func (p *pipeline) Destroy() {
	dev := p.d.dev
	for _, bg := range p.groups {
		dev.DestroyBindGroup(bg)
	}
	p.groups = nil
	if p.raw != nil {
		dev.DestroyRenderPipeline(p.raw)
		p.raw = nil
	}
	if p.pipeLayout != nil {
		dev.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.bindLayout != nil {
		dev.DestroyBindGroupLayout(p.bindLayout)
		p.bindLayout = nil
	}
	if p.shader != nil {
		dev.DestroyShaderModule(p.shader)
		p.shader = nil
	}
	if p.sampler != nil {
		dev.DestroySampler(p.sampler)
		p.sampler = nil
	}
	for _, v := range []*hal.TextureView{&p.colorView, &p.depthView, &p.fishView} {
		if *v != nil {
			dev.DestroyTextureView(*v)
			*v = nil
		}
	}
	for _, t := range []*hal.Texture{&p.colorTex, &p.depthTex, &p.fishTex} {
		if *t != nil {
			dev.DestroyTexture(*t)
			*t = nil
		}
	}
	for _, b := range []*hal.Buffer{&p.vertexBuf, &p.indexBuf, &p.styleBuf, &p.stagingBuf} {
		if *b != nil {
			dev.DestroyBuffer(*b)
			*b = nil
		}
	}
}
