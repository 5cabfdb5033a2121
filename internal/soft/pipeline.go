package soft

import (
	"fmt"
	"image"
	"image/color"

	"github.com/chewxy/math32"
	xdraw "golang.org/x/image/draw"

	srgb "github.com/gogpu/shoal/internal/color"
	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/parallel"
	"github.com/gogpu/shoal/internal/sim"
)

// pipeline is the software instanced renderer. Each instance places the
// mesh as a billboard in view space, centred on the agent and rotated so
// mesh +Y follows the agent's on-screen heading.
//
// A draw runs in two queue phases: the vertex phase reads the camera and
// instance buffers and bins the resulting triangles into screen tiles; the
// colour phase clears the target and rasterizes tiles in parallel. Draws
// of one pipeline execute on the graphics queue one at a time, so the
// depth buffer and triangle storage are reused without locking.
type pipeline struct {
	dev   *Device
	desc  device.PipelineDescriptor
	clear color.RGBA
	tex   *texture

	grid   *parallel.TileGrid
	depth  []float32
	agents []sim.Agent
	tris   []triangle
}

type renderGroup struct {
	label     string
	camera    *buffer
	instances *buffer
}

func (g *renderGroup) Label() string { return g.label }

// CreatePipeline implements device.Device.
func (d *Device) CreatePipeline(desc *device.PipelineDescriptor) (device.Pipeline, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("%w: pipeline %q: target extent %dx%d", device.ErrDevice, desc.Label, desc.Width, desc.Height)
	}
	if len(desc.Mesh.Indices)%3 != 0 {
		return nil, fmt.Errorf("%w: pipeline %q: %d indices is not a triangle list", device.ErrDevice, desc.Label, len(desc.Mesh.Indices))
	}
	for _, idx := range desc.Mesh.Indices {
		if int(idx) >= len(desc.Mesh.Vertices) {
			return nil, fmt.Errorf("%w: pipeline %q: index %d out of range", device.ErrDevice, desc.Label, idx)
		}
	}
	scale := desc.InstanceScale
	if scale <= 0 {
		scale = 1
	}
	p := &pipeline{
		dev:   d,
		desc:  *desc,
		clear: clearRGBA(desc.ClearColor),
		tex:   newTexture(desc.Texture),
		grid:  parallel.NewTileGrid(desc.Width, desc.Height),
		depth: make([]float32, desc.Width*desc.Height),
	}
	p.desc.InstanceScale = scale
	slogger().Debug("soft: pipeline created", "label", desc.Label,
		"extent", image.Pt(desc.Width, desc.Height), "tiles", p.grid.TileCount())
	return p, nil
}

// clearRGBA is the clear colour as stored in an sRGB target.
func clearRGBA(c [4]float32) color.RGBA { return srgb.RGBA(c) }

// newTexture converts img to RGBA. A nil image samples as opaque white.
func newTexture(img image.Image) *texture {
	if img == nil || img.Bounds().Empty() {
		white := image.NewRGBA(image.Rect(0, 0, 1, 1))
		white.Pix = []uint8{255, 255, 255, 255}
		return &texture{img: white, w: 1, h: 1}
	}
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(rgba, rgba.Bounds(), img, b.Min, xdraw.Src)
	}
	return &texture{img: rgba, w: b.Dx(), h: b.Dy()}
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
	if cam.Size() < device.CameraUniformSize {
		return nil, fmt.Errorf("%w: %s: camera buffer %q is %d bytes", device.ErrDevice, label, cam.label, cam.Size())
	}
	return &renderGroup{label: label, camera: cam, instances: inst}, nil
}

func (p *pipeline) Draw(bg device.BindGroup, call device.DrawCall) (device.Work, error) {
	g, ok := bg.(*renderGroup)
	if !ok {
		return device.Work{}, fmt.Errorf("%w: bind group %T is not a render group", device.ErrDevice, bg)
	}
	if call.Target == nil || call.Target.Rect.Dx() != p.desc.Width || call.Target.Rect.Dy() != p.desc.Height {
		return device.Work{}, fmt.Errorf("%w: %s: target does not match the %dx%d pipeline extent",
			device.ErrDevice, g.label, p.desc.Width, p.desc.Height)
	}
	if int(call.IndexCount) > len(p.desc.Mesh.Indices) || call.IndexCount%3 != 0 {
		return device.Work{}, fmt.Errorf("%w: %s: index count %d", device.ErrDevice, g.label, call.IndexCount)
	}
	if sim.AgentBytes(int(call.InstanceCount)) > g.instances.Size() {
		return device.Work{}, fmt.Errorf("%w: %s: %d instances overrun buffer %q",
			device.ErrDevice, g.label, call.InstanceCount, g.instances.label)
	}
	return device.Work{
		Label: g.label,
		Phases: []device.Phase{
			{
				Stage: device.StageVertexInput,
				Name:  "vertex",
				Run:   func() error { return p.vertex(g, call) },
			},
			{
				Stage: device.StageColorAttachmentOutput,
				Name:  "raster",
				Run:   func() error { p.raster(call.Target); return nil },
			},
		},
	}, nil
}

// vertex transforms every instance and bins its triangles.
func (p *pipeline) vertex(g *renderGroup, call device.DrawCall) error {
	var view, proj mat4
	err := readLocked(g.camera, func(b []byte) error {
		view = mat4At(b[0:64])
		proj = mat4At(b[64:128])
		return nil
	})
	if err != nil {
		return err
	}

	n := int(call.InstanceCount)
	if cap(p.agents) < n {
		p.agents = make([]sim.Agent, n)
	}
	p.agents = p.agents[:n]
	if err := readLocked(g.instances, func(b []byte) error { return sim.DecodeAgents(p.agents, b) }); err != nil {
		return err
	}

	p.tris = p.tris[:0]
	p.grid.Reset()
	indices := p.desc.Mesh.Indices[:call.IndexCount]
	verts := make([]screenVertex, len(p.desc.Mesh.Vertices))
	valid := make([]bool, len(verts))

	for _, a := range p.agents {
		p.instance(&view, &proj, a, verts, valid)
		for i := 0; i+2 < len(indices); i += 3 {
			i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
			if !valid[i0] || !valid[i1] || !valid[i2] {
				continue
			}
			t := triangle{v: [3]screenVertex{verts[i0], verts[i1], verts[i2]}, tint: a.Color}
			if !t.setup() {
				continue
			}
			p.grid.Bin(t.bound, int32(len(p.tris)))
			p.tris = append(p.tris, t)
		}
	}
	return nil
}

// instance writes the screen-space mesh vertices of agent a into verts.
func (p *pipeline) instance(view, proj *mat4, a sim.Agent, verts []screenVertex, valid []bool) {
	c := view.mulVec4(a.Pos[0], a.Pos[1], a.Pos[2], 1)
	d := view.mulVec4(a.Vel[0], a.Vel[1], a.Vel[2], 0)

	fx, fy := float32(0), float32(1)
	if l := math32.Hypot(d[0], d[1]); l > 0 {
		fx, fy = d[0]/l, d[1]/l
	}
	rx, ry := fy, -fx
	s := p.desc.InstanceScale
	w, h := float32(p.desc.Width), float32(p.desc.Height)

	for i, mv := range p.desc.Mesh.Vertices {
		vx := c[0] + (rx*mv.Pos[0]+fx*mv.Pos[1])*s
		vy := c[1] + (ry*mv.Pos[0]+fy*mv.Pos[1])*s
		clip := proj.mulVec4(vx, vy, c[2], 1)
		if clip[3] <= minClipW {
			valid[i] = false
			continue
		}
		invW := 1 / clip[3]
		verts[i] = screenVertex{
			x:    (clip[0]*invW + 1) * 0.5 * w,
			y:    (1 - clip[1]*invW) * 0.5 * h,
			z:    clip[2] * invW,
			invW: invW,
			u:    mv.UV[0] * invW,
			v:    mv.UV[1] * invW,
			rgb:  [3]float32{mv.Color[0] * invW, mv.Color[1] * invW, mv.Color[2] * invW},
		}
		valid[i] = true
	}
}

// raster clears the target and depth buffer, then rasterizes every
// non-empty tile on the worker pool.
func (p *pipeline) raster(target *image.RGBA) {
	tiles := p.grid.Tiles()
	p.dev.pool.For(len(tiles), 1, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			tile := &tiles[i]
			p.clearTile(target, tile.Bounds)
			for _, idx := range tile.Items {
				rasterize(&p.tris[idx], tile.Bounds, target, p.depth, p.tex)
			}
		}
	})
}

func (p *pipeline) clearTile(target *image.RGBA, r image.Rectangle) {
	c := p.clear
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := p.depth[y*p.desc.Width+r.Min.X : y*p.desc.Width+r.Max.X]
		for i := range row {
			row[i] = 1
		}
		o := target.PixOffset(target.Rect.Min.X+r.Min.X, target.Rect.Min.Y+y)
		pix := target.Pix[o : o+4*r.Dx()]
		for i := 0; i < len(pix); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
		}
	}
}

func (p *pipeline) Destroy() {}
