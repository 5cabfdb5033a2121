// Package render records the per-tick instanced draw of every agent into a
// presentable image.
package render

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/shoal/internal/assets"
	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/resources"
)

// ClearColor is the background colour of every frame.
var ClearColor = [4]float32{0.002, 0, 0.02, 1}

// DefaultInstanceScale is the world-space length of one fish.
const DefaultInstanceScale = 0.02

// Targets is the surface side of the render stage: the extent and images
// it draws into.
type Targets interface {
	Extent() (width, height int)
	Image(index int) *image.RGBA
}

// FrameInfo describes the frame an overlay draws on.
type FrameInfo struct {
	Slot   int
	Image  int
	Agents int
}

// Overlay draws on top of the rendered agents, in the same submission and
// before the image is presented.
type Overlay interface {
	Name() string
	DrawOverlay(dst *image.RGBA, info FrameInfo) error
}

type options struct {
	mesh     device.Mesh
	texture  image.Image
	scale    float32
	clear    [4]float32
	overlays []Overlay
}

// Option configures a Stage.
type Option func(*options)

// WithMesh replaces the instanced mesh.
func WithMesh(m device.Mesh) Option {
	return func(o *options) { o.mesh = m }
}

// WithTexture replaces the fish texture.
func WithTexture(img image.Image) Option {
	return func(o *options) { o.texture = img }
}

// WithInstanceScale sets the world-space size of one mesh unit.
func WithInstanceScale(s float32) Option {
	return func(o *options) { o.scale = s }
}

// WithClearColor overrides the background colour.
func WithClearColor(c [4]float32) Option {
	return func(o *options) { o.clear = c }
}

// WithOverlay registers overlays, drawn in registration order.
func WithOverlay(ov ...Overlay) Option {
	return func(o *options) { o.overlays = append(o.overlays, ov...) }
}

// Stage owns the instanced pipeline and one binding table per slot.
type Stage struct {
	dev      device.Device
	targets  Targets
	pipeline device.Pipeline
	groups   []device.BindGroup
	cameras  []device.Buffer
	overlays []Overlay

	agents     int
	indexCount uint32
	aspect     float32
}

// New creates the render pipeline for set, drawing into targets.
func New(dev device.Device, set *resources.Set, targets Targets, opts ...Option) (*Stage, error) {
	o := options{
		mesh:    assets.Quad(),
		texture: assets.FishTexture(assets.DefaultTextureSize),
		scale:   DefaultInstanceScale,
		clear:   ClearColor,
	}
	for _, opt := range opts {
		opt(&o)
	}
	w, h := targets.Extent()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: surface extent %dx%d", w, h)
	}

	pl, err := dev.CreatePipeline(&device.PipelineDescriptor{
		Label:         "fish",
		Width:         w,
		Height:        h,
		Mesh:          o.mesh,
		Texture:       o.texture,
		ClearColor:    o.clear,
		InstanceScale: o.scale,
	})
	if err != nil {
		return nil, fmt.Errorf("render: create pipeline: %w", err)
	}
	s := &Stage{
		dev:        dev,
		targets:    targets,
		pipeline:   pl,
		overlays:   o.overlays,
		agents:     set.Agents(),
		indexCount: uint32(len(o.mesh.Indices)),
		aspect:     float32(w) / float32(h),
	}
	for slot := range set.Frames() {
		b, err := set.Bind(resources.StageRender, slot)
		if err != nil {
			pl.Destroy()
			return nil, err
		}
		bg, err := pl.Bind(fmt.Sprintf("fish-%d", slot), device.RenderBindings{Camera: b.Camera, Instances: b.Read})
		if err != nil {
			pl.Destroy()
			return nil, fmt.Errorf("render: bind slot %d: %w", slot, err)
		}
		s.groups = append(s.groups, bg)
		s.cameras = append(s.cameras, b.Camera)
	}
	return s, nil
}

// Aspect returns the width / height ratio the projection is built for.
func (s *Stage) Aspect() float32 { return s.aspect }

// Draw renders slot's agents into the surface image index.
//
// Vertex input waits on simulated, so the instances are the ones the
// simulation wrote this tick; colour output waits on imageReady, so the
// image is not overwritten while it is still on screen. signal and done
// complete when the image, overlays included, is finished.
func (s *Stage) Draw(slot, index int, cam Camera, simulated, imageReady, signal *device.Semaphore, done *device.Fence) error {
	if slot < 0 || slot >= len(s.groups) {
		return fmt.Errorf("%w: %d", resources.ErrSlotRange, slot)
	}
	target := s.targets.Image(index)
	if target == nil {
		return fmt.Errorf("%w: render: no surface image %d", device.ErrDevice, index)
	}
	if err := s.dev.WriteBuffer(s.cameras[slot], 0, cam.Bytes(s.aspect)); err != nil {
		return fmt.Errorf("render: write camera: %w", err)
	}
	work, err := s.pipeline.Draw(s.groups[slot], device.DrawCall{
		Target:        target,
		IndexCount:    s.indexCount,
		InstanceCount: uint32(s.agents),
	})
	if err != nil {
		return fmt.Errorf("render: record draw: %w", err)
	}

	info := FrameInfo{Slot: slot, Image: index, Agents: s.agents}
	for _, ov := range s.overlays {
		work.Phases = append(work.Phases, device.Phase{
			Stage: device.StageColorAttachmentOutput,
			Name:  "overlay-" + ov.Name(),
			Run:   func() error { return ov.DrawOverlay(target, info) },
		})
	}

	sub := device.Submission{Work: work, Fence: done}
	if simulated != nil {
		sub.Waits = append(sub.Waits, device.Wait{Semaphore: simulated, Stage: device.StageVertexInput})
	}
	if imageReady != nil {
		sub.Waits = append(sub.Waits, device.Wait{Semaphore: imageReady, Stage: device.StageColorAttachmentOutput})
	}
	if signal != nil {
		sub.Signals = []*device.Semaphore{signal}
	}
	if err := s.dev.Queue(device.QueueGraphics).Submit(sub); err != nil {
		if !errors.Is(err, device.ErrDevice) {
			err = fmt.Errorf("%w: %w", device.ErrDevice, err)
		}
		return fmt.Errorf("render: submit slot %d: %w", slot, err)
	}
	return nil
}

// Destroy releases the pipeline. Camera and instance buffers belong to the
// Set.
func (s *Stage) Destroy() {
	if s.pipeline != nil {
		s.pipeline.Destroy()
		s.pipeline = nil
	}
	s.groups = nil
}
