//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shoal/internal/device"
)

type buffer struct {
	label string
	size  uint64
	raw   hal.Buffer
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Size() uint64  { return b.size }

func (b *buffer) binding() gputypes.BufferBinding {
	return gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: 0, Size: b.size}
}

// halUsage translates usage flags. Every buffer can be written from the
// host and copied out for readback.
func halUsage(u device.BufferUsage) gputypes.BufferUsage {
	out := gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	if u&device.BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	if u&device.BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&device.BufferUsageVertex != 0 {
		out |= gputypes.BufferUsageVertex
	}
	if u&device.BufferUsageIndex != 0 {
		out |= gputypes.BufferUsageIndex
	}
	return out
}

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(desc *device.BufferDescriptor) (device.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", device.ErrAllocation, desc.Label)
	}
	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: halUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q (%d bytes): %w", device.ErrAllocation, desc.Label, desc.Size, err)
	}
	slogger().Debug("gpu: buffer created", "label", desc.Label, "size", desc.Size)
	return &buffer{label: desc.Label, size: desc.Size, raw: raw}, nil
}

// DestroyBuffer implements device.Device.
func (d *Device) DestroyBuffer(b device.Buffer) {
	gb, ok := b.(*buffer)
	if !ok || gb.raw == nil {
		return
	}
	d.dev.DestroyBuffer(gb.raw)
	gb.raw = nil
}

func asBuffer(b device.Buffer) (*buffer, error) {
	gb, ok := b.(*buffer)
	if !ok || gb == nil || gb.raw == nil {
		return nil, fmt.Errorf("%w: buffer %T does not belong to the GPU device", device.ErrDevice, b)
	}
	return gb, nil
}

// WriteBuffer implements device.Device.
func (d *Device) WriteBuffer(b device.Buffer, offset uint64, data []byte) error {
	gb, err := asBuffer(b)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > gb.size {
		return fmt.Errorf("%w: write of %d bytes at %d into buffer %q (%d bytes)",
			device.ErrDevice, len(data), offset, gb.label, gb.size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halQueue.WriteBuffer(gb.raw, offset, data)
	return nil
}

// ReadBuffer implements device.Device. Device-local buffers are copied
// into a temporary staging buffer first.
func (d *Device) ReadBuffer(b device.Buffer, offset uint64, dst []byte) error {
	gb, err := asBuffer(b)
	if err != nil {
		return err
	}
	size := uint64(len(dst))
	if offset+size > gb.size {
		return fmt.Errorf("%w: read of %d bytes at %d from buffer %q (%d bytes)",
			device.ErrDevice, size, offset, gb.label, gb.size)
	}
	if size == 0 {
		return nil
	}
	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: gb.label + "_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: staging buffer: %w", device.ErrAllocation, err)
	}
	defer d.dev.DestroyBuffer(staging)

	err = d.record(gb.label+"_readback", func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(gb.raw, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.halQueue.ReadBuffer(staging, 0, dst); err != nil {
		return fmt.Errorf("%w: readback %q: %w", device.ErrDevice, gb.label, err)
	}
	return nil
}
