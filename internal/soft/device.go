// Package soft implements device.Device on the CPU.
//
// Compute and graphics work run on two independent device.Queue executors,
// so a dispatch for the next frame can overlap the draw of the current one
// exactly as on a GPU with an async compute queue. Kernels and rasterization
// fan out over a shared parallel.WorkerPool.
//
// The device is deterministic: the same submissions over the same buffers
// always produce bit-identical buffers and images.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/parallel"
)

// DefaultMemoryLimit bounds the total size of live buffers.
const DefaultMemoryLimit = 1 << 30

type options struct {
	workers     int
	memoryLimit uint64
	queueDepth  int
}

// Option configures a Device.
type Option func(*options)

// WithWorkers sets the worker pool size. n <= 0 uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMemoryLimit sets the buffer memory budget in bytes. Allocations past
// the budget fail with device.ErrAllocation.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

// WithQueueDepth sets how many submissions each queue buffers.
func WithQueueDepth(n int) Option {
	return func(o *options) { o.queueDepth = n }
}

// Device is the software device. It is safe for concurrent use.
type Device struct {
	pool     *parallel.WorkerPool
	compute  *device.Queue
	graphics *device.Queue

	limit     uint64
	allocated atomic.Uint64

	destroyOnce sync.Once
}

var _ device.Device = (*Device)(nil)

// New creates a software device and starts its queues.
func New(opts ...Option) *Device {
	o := options{memoryLimit: DefaultMemoryLimit}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		pool:     parallel.NewWorkerPool(o.workers),
		compute:  device.NewQueue("soft-compute", o.queueDepth),
		graphics: device.NewQueue("soft-graphics", o.queueDepth),
		limit:    o.memoryLimit,
	}
	slogger().Info("soft: device created", "workers", d.pool.Workers(), "memory_limit", d.limit)
	return d
}

// Name implements device.Device.
func (d *Device) Name() string { return "software" }

// Queue implements device.Device.
func (d *Device) Queue(kind device.QueueKind) *device.Queue {
	if kind == device.QueueCompute {
		return d.compute
	}
	return d.graphics
}

// Allocated returns the bytes held by live buffers.
func (d *Device) Allocated() uint64 { return d.allocated.Load() }

// buffer is host memory standing in for device memory. Queue phases take
// the lock for the duration of a read or write.
type buffer struct {
	label string
	usage device.BufferUsage

	mu        sync.RWMutex
	data      []byte
	destroyed bool
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Size() uint64  { return uint64(len(b.data)) }

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(desc *device.BufferDescriptor) (device.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", device.ErrAllocation, desc.Label)
	}
	for {
		cur := d.allocated.Load()
		if cur+desc.Size > d.limit {
			return nil, fmt.Errorf("%w: buffer %q: %d bytes requested, %d of %d in use",
				device.ErrAllocation, desc.Label, desc.Size, cur, d.limit)
		}
		if d.allocated.CompareAndSwap(cur, cur+desc.Size) {
			break
		}
	}
	slogger().Debug("soft: buffer created", "label", desc.Label, "size", desc.Size)
	return &buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}, nil
}

// DestroyBuffer implements device.Device.
func (d *Device) DestroyBuffer(b device.Buffer) {
	sb, ok := b.(*buffer)
	if !ok {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.destroyed {
		return
	}
	sb.destroyed = true
	d.allocated.Add(^(uint64(len(sb.data)) - 1))
	sb.data = nil
}

func asBuffer(b device.Buffer) (*buffer, error) {
	sb, ok := b.(*buffer)
	if !ok || sb == nil {
		return nil, fmt.Errorf("%w: buffer %T does not belong to the software device", device.ErrDevice, b)
	}
	return sb, nil
}

// WriteBuffer implements device.Device.
func (d *Device) WriteBuffer(b device.Buffer, offset uint64, data []byte) error {
	sb, err := asBuffer(b)
	if err != nil {
		return err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.destroyed || offset+uint64(len(data)) > uint64(len(sb.data)) {
		return fmt.Errorf("%w: write of %d bytes at %d into buffer %q (%d bytes)",
			device.ErrDevice, len(data), offset, sb.label, len(sb.data))
	}
	copy(sb.data[offset:], data)
	return nil
}

// ReadBuffer implements device.Device.
func (d *Device) ReadBuffer(b device.Buffer, offset uint64, dst []byte) error {
	sb, err := asBuffer(b)
	if err != nil {
		return err
	}
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.destroyed || offset+uint64(len(dst)) > uint64(len(sb.data)) {
		return fmt.Errorf("%w: read of %d bytes at %d from buffer %q (%d bytes)",
			device.ErrDevice, len(dst), offset, sb.label, len(sb.data))
	}
	copy(dst, sb.data[offset:])
	return nil
}

// Destroy shuts both queues down concurrently, then stops the worker pool.
// Work still pending on a queue completes with device.ErrDevice.
func (d *Device) Destroy() {
	d.destroyOnce.Do(func() {
		var g errgroup.Group
		for _, q := range []*device.Queue{d.compute, d.graphics} {
			g.Go(func() error {
				q.Close()
				return q.Err()
			})
		}
		if err := g.Wait(); err != nil {
			slogger().Warn("soft: device destroyed after a queue was lost", "err", err)
		}
		d.pool.Close()
		slogger().Info("soft: device destroyed")
	})
}
