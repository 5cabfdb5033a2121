package soft

import (
	"fmt"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/sim"
)

// kernel runs sim.Stepper over decoded agent buffers. Dispatches of one
// kernel execute on the compute queue one at a time, so the scratch state
// is never shared.
type kernel struct {
	dev     *Device
	label   string
	agents  int
	stepper *sim.Stepper

	prev []sim.Agent
	next []sim.Agent
}

type computeGroup struct {
	label    string
	params   *buffer
	previous *buffer
	current  *buffer
}

func (g *computeGroup) Label() string { return g.label }

// CreateKernel implements device.Device.
func (d *Device) CreateKernel(desc *device.KernelDescriptor) (device.Kernel, error) {
	if desc.GroupSize == 0 || desc.Agents == 0 || desc.Agents%desc.GroupSize != 0 {
		return nil, fmt.Errorf("%w: kernel %q: %d agents is not a multiple of group size %d",
			device.ErrDevice, desc.Label, desc.Agents, desc.GroupSize)
	}
	return &kernel{
		dev:     d,
		label:   desc.Label,
		agents:  int(desc.Agents),
		stepper: sim.NewStepper(d.pool),
		prev:    make([]sim.Agent, desc.Agents),
		next:    make([]sim.Agent, desc.Agents),
	}, nil
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
	need := sim.AgentBytes(k.agents)
	switch {
	case params.Size() < sim.ParamsSize:
		return nil, fmt.Errorf("%w: %s: params buffer %q is %d bytes", device.ErrDevice, label, params.label, params.Size())
	case prev.Size() < need, cur.Size() < need:
		return nil, fmt.Errorf("%w: %s: agent buffers smaller than %d bytes", device.ErrDevice, label, need)
	}
	return &computeGroup{label: label, params: params, previous: prev, current: cur}, nil
}

func (k *kernel) Dispatch(bg device.BindGroup, groups uint32) (device.Work, error) {
	g, ok := bg.(*computeGroup)
	if !ok {
		return device.Work{}, fmt.Errorf("%w: bind group %T is not a compute group", device.ErrDevice, bg)
	}
	if int(groups)*sim.GroupSize != k.agents {
		return device.Work{}, fmt.Errorf("%w: %s: %d groups for %d agents", device.ErrDevice, k.label, groups, k.agents)
	}
	return device.Work{
		Label: g.label,
		Phases: []device.Phase{{
			Stage: device.StageComputeShader,
			Name:  "flock",
			Run:   func() error { return k.run(g) },
		}},
	}, nil
}

// run reads the previous state completely before writing the current one,
// which keeps a single-slot set (previous == current) correct.
func (k *kernel) run(g *computeGroup) error {
	var params sim.Params
	err := readLocked(g.params, func(b []byte) error {
		var err error
		params, err = sim.ParamsFromBytes(b)
		return err
	})
	if err != nil {
		return err
	}
	if err := readLocked(g.previous, func(b []byte) error { return sim.DecodeAgents(k.prev, b) }); err != nil {
		return err
	}

	k.stepper.Step(k.next, k.prev, params)

	g.current.mu.Lock()
	defer g.current.mu.Unlock()
	if g.current.destroyed {
		return fmt.Errorf("buffer %q destroyed", g.current.label)
	}
	return sim.EncodeAgents(g.current.data, k.next)
}

func readLocked(b *buffer, fn func([]byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.destroyed {
		return fmt.Errorf("buffer %q destroyed", b.label)
	}
	return fn(b.data)
}

func (k *kernel) Destroy() {}
