//go:build !nogpu

// Package gpu implements device.Device on a wgpu HAL device.
//
// All recorded work goes through one in-order device.Queue whose phases
// submit HAL command buffers and wait for them on a timeline fence, so
// semaphore ordering between the compute and render stages is enforced by
// the executor before the HAL ever sees the work. The device can be opened
// standalone (first discrete or integrated Vulkan adapter) or borrowed from
// a host application through a gpucontext.DeviceProvider.
package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan backend

	"github.com/gogpu/shoal/internal/device"
)

// SubmitTimeout bounds every HAL fence wait.
const SubmitTimeout = 5 * time.Second

// ErrNoAdapter is returned by Open when no adapter is available.
var ErrNoAdapter = errors.New("gpu: no adapter found")

// Device is a device.Device backed by hal.Device.
type Device struct {
	instance hal.Instance
	dev      hal.Device
	adapter  string
	external bool

	// mu serializes use of the HAL queue and the timeline fence between the
	// executor and host-side buffer access.
	mu         sync.Mutex
	halQueue   hal.Queue
	fence      hal.Fence
	fenceValue uint64

	queue       *device.Queue
	destroyOnce sync.Once
}

var _ device.Device = (*Device)(nil)

// Open creates a Vulkan instance and opens the first discrete or
// integrated GPU, falling back to the first adapter.
func Open() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", device.ErrDevice)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", device.ErrDevice, err)
	}
	d, err := openInstance(instance)
	if err != nil {
		instance.Destroy()
		return nil, err
	}
	return d, nil
}

func openInstance(instance hal.Instance) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: %w", device.ErrDevice, ErrNoAdapter)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("%w: open device: %w", device.ErrDevice, err)
	}
	d, err := newDevice(openDev.Device, openDev.Queue, selected.Info.Name, false)
	if err != nil {
		openDev.Device.Destroy()
		return nil, err
	}
	d.instance = instance
	slogger().Info("gpu: adapter selected", "name", selected.Info.Name, "type", selected.Info.DeviceType)
	return d, nil
}

// halProvider is implemented by providers that expose their HAL objects.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider borrows the device and queue of a host application. The
// provider keeps ownership: Destroy releases only what this package
// created.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", device.ErrDevice)
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", device.ErrDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", device.ErrDevice)
	}
	d, err := newDevice(dev, queue, "shared", true)
	if err != nil {
		return nil, err
	}
	slogger().Info("gpu: using shared device", "surface_format", provider.SurfaceFormat())
	return d, nil
}

func newDevice(dev hal.Device, queue hal.Queue, name string, external bool) (*Device, error) {
	fence, err := dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("%w: create fence: %w", device.ErrDevice, err)
	}
	return &Device{
		dev:      dev,
		halQueue: queue,
		adapter:  name,
		external: external,
		fence:    fence,
		queue:    device.NewQueue("gpu", 0),
	}, nil
}

// Name implements device.Device.
func (d *Device) Name() string { return "gpu:" + d.adapter }

// Queue implements device.Device. The HAL exposes one queue, so compute
// and graphics work share it and execute in submission order.
func (d *Device) Queue(device.QueueKind) *device.Queue { return d.queue }

// submit runs cmd on the HAL queue and waits for it.
func (d *Device) submit(cmd hal.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fenceValue++
	if err := d.halQueue.Submit([]hal.CommandBuffer{cmd}, d.fence, d.fenceValue); err != nil {
		return fmt.Errorf("%w: submit: %w", device.ErrDevice, err)
	}
	ok, err := d.dev.Wait(d.fence, d.fenceValue, SubmitTimeout)
	if err != nil {
		return fmt.Errorf("%w: wait for GPU: %w", device.ErrDevice, err)
	}
	if !ok {
		return fmt.Errorf("%w: GPU did not finish within %s", device.ErrTimeout, SubmitTimeout)
	}
	return nil
}

// record encodes one command buffer with fn and submits it.
func (d *Device) record(label string, fn func(hal.CommandEncoder)) error {
	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", device.ErrDevice, err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", device.ErrDevice, err)
	}
	fn(encoder)
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: end encoding: %w", device.ErrDevice, err)
	}
	defer d.dev.FreeCommandBuffer(cmd)
	return d.submit(cmd)
}

// Destroy closes the queue and releases the device unless it is shared.
func (d *Device) Destroy() {
	d.destroyOnce.Do(func() {
		d.queue.Close()
		d.mu.Lock()
		defer d.mu.Unlock()
		d.dev.DestroyFence(d.fence)
		if d.external {
			slogger().Info("gpu: released shared device")
			return
		}
		d.dev.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
		slogger().Info("gpu: device destroyed", "adapter", d.adapter)
	})
}
