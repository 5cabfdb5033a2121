//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/sim"
)

// kernel is the flocking compute pipeline. Bindings: 0 uniform params,
// 1 read-only previous state, 2 read-write current state.
type kernel struct {
	d      *Device
	label  string
	agents uint32

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
	groups     []hal.BindGroup
}

type computeGroup struct {
	label string
	raw   hal.BindGroup
}

func (g *computeGroup) Label() string { return g.label }

// CreateKernel implements device.Device.
func (d *Device) CreateKernel(desc *device.KernelDescriptor) (device.Kernel, error) {
	if desc.GroupSize != sim.GroupSize || desc.Agents == 0 || desc.Agents%desc.GroupSize != 0 {
		return nil, fmt.Errorf("%w: kernel %q: %d agents with group size %d",
			device.ErrDevice, desc.Label, desc.Agents, desc.GroupSize)
	}
	k := &kernel{d: d, label: desc.Label, agents: desc.Agents}
	if err := k.createPipeline(); err != nil {
		k.Destroy()
		return nil, fmt.Errorf("%w: kernel %q: %w", device.ErrDevice, desc.Label, err)
	}
	return k, nil
}

func (k *kernel) createPipeline() error {
	var err error
	k.shader, err = k.d.createShader("boids", boidsShaderSource)
	if err != nil {
		return fmt.Errorf("compile boids shader: %w", err)
	}
	k.bindLayout, err = k.d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "boids_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	k.pipeLayout, err = k.d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "boids_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{k.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	k.pipeline, err = k.d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "boids_pipeline", Layout: k.pipeLayout,
		Compute: hal.ComputeState{Module: k.shader, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	return nil
}

func (k *kernel) Bind(label string, b device.ComputeBindings) (device.BindGroup, error) {
	params, err := asBuffer(b.Params)
	if err != nil {
		return nil, err
	}
	prev, err := asBuffer(b.Previous)
	if err != nil {
		return nil, err
	}
	cur, err := asBuffer(b.Current)
	if err != nil {
		return nil, err
	}
	if need := sim.AgentBytes(int(k.agents)); prev.size < need || cur.size < need {
		return nil, fmt.Errorf("%w: %s: agent buffers smaller than %d bytes", device.ErrDevice, label, need)
	}
	raw, err := k.d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: label, Layout: k.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: params.binding()},
			{Binding: 1, Resource: prev.binding()},
			{Binding: 2, Resource: cur.binding()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: create bind group: %w", device.ErrAllocation, label, err)
	}
	k.groups = append(k.groups, raw)
	return &computeGroup{label: label, raw: raw}, nil
}

func (k *kernel) Dispatch(bg device.BindGroup, groups uint32) (device.Work, error) {
	g, ok := bg.(*computeGroup)
	if !ok {
		return device.Work{}, fmt.Errorf("%w: bind group %T is not a compute group", device.ErrDevice, bg)
	}
	if groups*sim.GroupSize != k.agents {
		return device.Work{}, fmt.Errorf("%w: %s: %d groups for %d agents", device.ErrDevice, k.label, groups, k.agents)
	}
	return device.Work{
		Label: g.label,
		Phases: []device.Phase{{
			Stage: device.StageComputeShader,
			Name:  "flock",
			Run: func() error {
				return k.d.record(g.label, func(enc hal.CommandEncoder) {
					pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: g.label})
					pass.SetPipeline(k.pipeline)
					pass.SetBindGroup(0, g.raw, nil)
					pass.Dispatch(groups, 1, 1)
					pass.End()
				})
			},
		}},
	}, nil
}

func (k *kernel) Destroy() {
	dev := k.d.dev
	for _, bg := range k.groups {
		dev.DestroyBindGroup(bg)
	}
	k.groups = nil
	if k.pipeline != nil {
		dev.DestroyComputePipeline(k.pipeline)
		k.pipeline = nil
	}
	if k.pipeLayout != nil {
		dev.DestroyPipelineLayout(k.pipeLayout)
		k.pipeLayout = nil
	}
	if k.bindLayout != nil {
		dev.DestroyBindGroupLayout(k.bindLayout)
		k.bindLayout = nil
	}
	if k.shader != nil {
		dev.DestroyShaderModule(k.shader)
		k.shader = nil
	}
}
