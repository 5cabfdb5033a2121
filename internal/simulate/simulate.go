// Package simulate records and submits the per-tick flocking dispatch.
package simulate

import (
	"errors"
	"fmt"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/resources"
	"github.com/gogpu/shoal/internal/sim"
)

// ErrAgentCount is returned by New for agent counts that do not fill whole
// workgroups.
var ErrAgentCount = errors.New("simulate: agent count must be a positive multiple of the group size")

type options struct {
	label string
}

// Option configures a Stage.
type Option func(*options)

// WithLabel sets the debug label prefix of kernels and bind groups.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// Stage owns the flocking kernel and one binding table per slot.
type Stage struct {
	dev    device.Device
	set    *resources.Set
	kernel device.Kernel
	groups []device.BindGroup
	params []device.Buffer
	count  uint32
	label  string
}

// New compiles the kernel for set's agent count and binds every slot.
func New(dev device.Device, set *resources.Set, opts ...Option) (*Stage, error) {
	o := options{label: "flock"}
	for _, opt := range opts {
		opt(&o)
	}
	agents := set.Agents()
	if agents <= 0 || agents%sim.GroupSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrAgentCount, agents)
	}

	k, err := dev.CreateKernel(&device.KernelDescriptor{
		Label:     o.label,
		Agents:    uint32(agents),
		GroupSize: sim.GroupSize,
	})
	if err != nil {
		return nil, fmt.Errorf("simulate: create kernel: %w", err)
	}
	s := &Stage{
		dev:    dev,
		set:    set,
		kernel: k,
		count:  uint32(agents / sim.GroupSize),
		label:  o.label,
	}
	for slot := range set.Frames() {
		b, err := set.Bind(resources.StageSimulate, slot)
		if err != nil {
			k.Destroy()
			return nil, err
		}
		bg, err := k.Bind(fmt.Sprintf("%s-%d", o.label, slot), device.ComputeBindings{
			Params:   b.Params,
			Previous: b.Read,
			Current:  b.Write,
		})
		if err != nil {
			k.Destroy()
			return nil, fmt.Errorf("simulate: bind slot %d: %w", slot, err)
		}
		s.groups = append(s.groups, bg)
		s.params = append(s.params, b.Params)
	}
	return s, nil
}

// Groups returns the number of workgroups per dispatch.
func (s *Stage) Groups() uint32 { return s.count }

// Dispatch advances the state into slot. It uploads p into the slot's
// parameter buffer and submits one dispatch on the compute queue that
// waits waitFor (may be nil), signals signal and completes done.
//
// The caller must have waited done since its previous use; the parameter
// buffer of slot is otherwise still being read.
func (s *Stage) Dispatch(slot int, p sim.Params, waitFor, signal *device.Semaphore, done *device.Fence) error {
	if slot < 0 || slot >= len(s.groups) {
		return fmt.Errorf("%w: %d", resources.ErrSlotRange, slot)
	}
	if err := s.dev.WriteBuffer(s.params[slot], 0, p.Bytes()); err != nil {
		return fmt.Errorf("simulate: write params: %w", err)
	}
	work, err := s.kernel.Dispatch(s.groups[slot], s.count)
	if err != nil {
		return fmt.Errorf("simulate: record dispatch: %w", err)
	}

	sub := device.Submission{Work: work, Fence: done}
	if waitFor != nil {
		sub.Waits = []device.Wait{{Semaphore: waitFor, Stage: device.StageComputeShader}}
	}
	if signal != nil {
		sub.Signals = []*device.Semaphore{signal}
	}
	if err := s.dev.Queue(device.QueueCompute).Submit(sub); err != nil {
		if !errors.Is(err, device.ErrDevice) {
			err = fmt.Errorf("%w: %w", device.ErrDevice, err)
		}
		return fmt.Errorf("simulate: submit slot %d: %w", slot, err)
	}
	return nil
}

// Destroy releases the kernel. The buffers belong to the Set.
func (s *Stage) Destroy() {
	if s.kernel != nil {
		s.kernel.Destroy()
		s.kernel = nil
	}
	s.groups = nil
}
