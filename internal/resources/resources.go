// Package resources owns the per-slot device buffers shared by the
// simulation and render stages.
//
// A Set holds F agent buffers forming a ring: at tick t the simulation
// reads slot (t-1) mod F and writes slot t mod F, and the renderer draws
// from slot t mod F. Each slot also carries its own parameter and camera
// uniform buffers, so host writes for tick t never touch a buffer still in
// use by tick t-1.
package resources

import (
	"errors"
	"fmt"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/sim"
)

// ErrSlotRange is returned for slots outside [0, Frames).
var ErrSlotRange = errors.New("resources: slot out of range")

// Stage selects which consumer a binding is built for.
type Stage uint8

const (
	StageSimulate Stage = iota
	StageRender
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageSimulate:
		return "simulate"
	case StageRender:
		return "render"
	}
	return "unknown"
}

// Config describes the set to allocate.
type Config struct {
	// Agents must be a positive multiple of sim.GroupSize.
	Agents int
	// Frames is the number of frame slots; at least 1.
	Frames int

	Seed         uint64
	InitialSpeed float32
	FieldScale   float32
}

// Bindings are the buffers one stage uses in one slot. Simulation bindings
// have Read, Write and Params; render bindings have Read and Camera. Write
// is the only buffer a stage may modify.
type Bindings struct {
	Slot   int
	Read   device.Buffer
	Write  device.Buffer
	Params device.Buffer
	Camera device.Buffer
}

// Set is the slot-indexed arena of simulation and render buffers.
type Set struct {
	dev    device.Device
	agents int
	state  []device.Buffer
	params []device.Buffer
	camera []device.Buffer
}

// Initialize allocates and seeds a Set. Every agent buffer receives the
// same population so the first tick reads valid state whatever slot it
// starts from. On failure every buffer created so far is destroyed.
func Initialize(dev device.Device, cfg Config) (*Set, error) {
	if cfg.Agents <= 0 || cfg.Agents%sim.GroupSize != 0 {
		return nil, fmt.Errorf("%w: %d agents is not a positive multiple of %d", device.ErrAllocation, cfg.Agents, sim.GroupSize)
	}
	if cfg.Frames < 1 {
		return nil, fmt.Errorf("%w: %d frame slots", device.ErrAllocation, cfg.Frames)
	}

	s := &Set{dev: dev, agents: cfg.Agents}
	if err := s.allocate(cfg.Frames); err != nil {
		s.Destroy()
		return nil, err
	}

	pop := sim.Population{Seed: cfg.Seed, FieldScale: cfg.FieldScale, InitialSpeed: cfg.InitialSpeed}
	seed := make([]byte, sim.AgentBytes(cfg.Agents))
	if err := sim.EncodeAgents(seed, pop.Generate(cfg.Agents)); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("%w: %w", device.ErrAllocation, err)
	}
	for i, b := range s.state {
		if err := dev.WriteBuffer(b, 0, seed); err != nil {
			s.Destroy()
			return nil, fmt.Errorf("%w: seed slot %d: %w", device.ErrAllocation, i, err)
		}
	}
	return s, nil
}

func (s *Set) allocate(frames int) error {
	size := sim.AgentBytes(s.agents)
	for i := range frames {
		b, err := s.dev.CreateBuffer(&device.BufferDescriptor{
			Label: fmt.Sprintf("agents-%d", i),
			Size:  size,
			Usage: device.BufferUsageStorage | device.BufferUsageVertex | device.BufferUsageCopyDst | device.BufferUsageCopySrc,
		})
		if err != nil {
			return fmt.Errorf("agent buffer %d: %w", i, err)
		}
		s.state = append(s.state, b)

		p, err := s.dev.CreateBuffer(&device.BufferDescriptor{
			Label: fmt.Sprintf("params-%d", i),
			Size:  sim.ParamsSize,
			Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("params buffer %d: %w", i, err)
		}
		s.params = append(s.params, p)

		c, err := s.dev.CreateBuffer(&device.BufferDescriptor{
			Label: fmt.Sprintf("camera-%d", i),
			Size:  device.CameraUniformSize,
			Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("camera buffer %d: %w", i, err)
		}
		s.camera = append(s.camera, c)
	}
	return nil
}

// Frames returns the number of slots.
func (s *Set) Frames() int { return len(s.state) }

// Agents returns the number of agents per state buffer.
func (s *Set) Agents() int { return s.agents }

// Previous returns the slot the simulation reads when writing slot.
func (s *Set) Previous(slot int) int {
	f := len(s.state)
	return (slot - 1 + f) % f
}

// Bind returns the buffers stage uses in slot.
func (s *Set) Bind(stage Stage, slot int) (Bindings, error) {
	if slot < 0 || slot >= len(s.state) {
		return Bindings{}, fmt.Errorf("%w: %d not in [0,%d)", ErrSlotRange, slot, len(s.state))
	}
	switch stage {
	case StageSimulate:
		return Bindings{
			Slot:   slot,
			Read:   s.state[s.Previous(slot)],
			Write:  s.state[slot],
			Params: s.params[slot],
		}, nil
	case StageRender:
		return Bindings{
			Slot:   slot,
			Read:   s.state[slot],
			Camera: s.camera[slot],
		}, nil
	}
	return Bindings{}, fmt.Errorf("resources: unknown stage %d", stage)
}

// ReadAgents copies the agent state of slot to the host. The caller must
// have waited every fence of work writing that slot.
func (s *Set) ReadAgents(slot int) ([]sim.Agent, error) {
	if slot < 0 || slot >= len(s.state) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrSlotRange, slot, len(s.state))
	}
	raw := make([]byte, sim.AgentBytes(s.agents))
	if err := s.dev.ReadBuffer(s.state[slot], 0, raw); err != nil {
		return nil, err
	}
	agents := make([]sim.Agent, s.agents)
	if err := sim.DecodeAgents(agents, raw); err != nil {
		return nil, err
	}
	return agents, nil
}

// Destroy releases every buffer. It is safe to call more than once.
func (s *Set) Destroy() {
	for _, list := range [][]device.Buffer{s.state, s.params, s.camera} {
		for _, b := range list {
			s.dev.DestroyBuffer(b)
		}
	}
	s.state, s.params, s.camera = nil, nil, nil
}
