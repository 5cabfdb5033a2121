// Package frame drives the per-tick loop: wait for a free slot, simulate,
// acquire an image, render, present, advance.
//
// All host-side blocking happens here and is bounded: fence waits by
// SlotTimeout and image acquisition by AcquireTimeout. Ordering between the
// stages is carried by semaphores on the device queues, so the loop only
// waits when it is about to reuse a slot or an image.
package frame

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/metrics"
	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/sim"
)

// Simulator dispatches one simulation step into a slot.
type Simulator interface {
	Dispatch(slot int, p sim.Params, waitFor, signal *device.Semaphore, done *device.Fence) error
}

// Renderer draws a slot into a surface image.
type Renderer interface {
	Draw(slot, image int, cam render.Camera, simulated, imageReady, signal *device.Semaphore, done *device.Fence) error
}

// Surface hands out presentable images.
type Surface interface {
	AcquireNext(timeout time.Duration) (int, *device.Semaphore, error)
	Present(index int, waitFor *device.Semaphore) error
}

// Controller supplies the per-tick inputs. Both are returned by value and
// owned by the loop for that tick.
type Controller interface {
	Frame(tick uint64) (sim.Params, render.Camera)
}

// Static is a Controller with fixed inputs.
type Static struct {
	Params sim.Params
	Camera render.Camera
}

// Frame implements Controller.
func (s Static) Frame(uint64) (sim.Params, render.Camera) { return s.Params, s.Camera }

// Config bounds the loop.
type Config struct {
	// Frames is the number of slots in flight; it must match the resource
	// set the stages were built on.
	Frames int
	// SlotTimeout bounds each fence wait before a slot or image is reused.
	SlotTimeout time.Duration
	// AcquireTimeout bounds image acquisition.
	AcquireTimeout time.Duration
	// DrainTimeout bounds each fence wait while draining.
	DrainTimeout time.Duration
	// MaxTicks stops Run after that many ticks; zero runs until cancelled.
	MaxTicks uint64
}

// DefaultConfig returns two frames in flight and five-second bounds.
func DefaultConfig() Config {
	return Config{
		Frames:         2,
		SlotTimeout:    5 * time.Second,
		AcquireTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

type slotSync struct {
	computeDone *device.Fence
	renderDone  *device.Fence
	simulated   *device.Semaphore

	// A fence reset for a tick that never submitted must not be waited.
	computePending bool
	renderPending  bool
}

type teardown struct {
	name string
	fn   func()
}

type options struct {
	observer Observer
	metrics  *metrics.Frame
	shutdown func()
}

// Option configures an Orchestrator.
type Option func(*options)

// WithObserver reports every state transition to fn.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithMetrics records loop metrics.
func WithMetrics(m *metrics.Frame) Option {
	return func(o *options) { o.metrics = m }
}

// WithQueueShutdown sets the function that stops the device queues when
// draining times out, before teardown releases anything queued work could
// still reference.
func WithQueueShutdown(fn func()) Option {
	return func(o *options) { o.shutdown = fn }
}

// Orchestrator runs the frame loop. Step, Run and Drain must be called
// from one goroutine; State and Tick may be read from any.
type Orchestrator struct {
	cfg  Config
	sim  Simulator
	ren  Renderer
	surf Surface
	ctl  Controller
	opts options

	slots []slotSync
	// inFlight maps a surface image to the render fence of the frame that
	// last drew into it.
	inFlight map[int]*device.Fence
	// rendered holds one render-finished semaphore per surface image. An
	// image is only acquired again after the presenter has consumed the
	// wait on it, so the semaphore is free to be signalled again.
	rendered map[int]*device.Semaphore
	teardown []teardown

	state   atomic.Uint32
	tick    atomic.Uint64
	slot    int
	image   int
	drained bool
	err     error
}

// New creates an Orchestrator. Per slot it creates a compute and a render
// fence, both signalled, and the simulated semaphore.
func New(cfg Config, s Simulator, r Renderer, surf Surface, ctl Controller, opts ...Option) (*Orchestrator, error) {
	if cfg.Frames < 1 {
		return nil, fmt.Errorf("frame: %d frames in flight", cfg.Frames)
	}
	if s == nil || r == nil || surf == nil || ctl == nil {
		return nil, errors.New("frame: simulator, renderer, surface and controller are required")
	}
	def := DefaultConfig()
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = def.SlotTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	o := &Orchestrator{
		cfg:      cfg,
		sim:      s,
		ren:      r,
		surf:     surf,
		ctl:      ctl,
		slots:    make([]slotSync, cfg.Frames),
		inFlight: make(map[int]*device.Fence),
		rendered: make(map[int]*device.Semaphore),
		image:    -1,
	}
	for _, opt := range opts {
		opt(&o.opts)
	}
	for i := range o.slots {
		o.slots[i] = slotSync{
			computeDone:    device.NewFence(fmt.Sprintf("compute-%d", i), true),
			renderDone:     device.NewFence(fmt.Sprintf("render-%d", i), true),
			simulated:      device.NewSemaphore(fmt.Sprintf("simulated-%d", i)),
			computePending: true,
			renderPending:  true,
		}
	}
	o.opts.metrics.SetState("", StateIdle.String())
	return o, nil
}

// OnTeardown registers fn to run after draining. Functions run in reverse
// registration order, so register resources in creation order.
func (o *Orchestrator) OnTeardown(name string, fn func()) {
	o.teardown = append(o.teardown, teardown{name: name, fn: fn})
}

// State returns the current state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Tick returns the number of completed ticks.
func (o *Orchestrator) Tick() uint64 { return o.tick.Load() }

// Err returns the error that stopped the loop, if any.
func (o *Orchestrator) Err() error { return o.err }

func (o *Orchestrator) enter(to State) {
	from := o.State()
	o.state.Store(uint32(to))
	o.opts.metrics.SetState(from.String(), to.String())
	if o.opts.observer != nil {
		o.opts.observer(Transition{From: from, To: to, Tick: o.tick.Load(), Slot: o.slot, Image: o.image})
	}
}

func (o *Orchestrator) wait(f *device.Fence, timeout time.Duration, kind string) error {
	start := time.Now()
	err := f.Wait(timeout)
	o.opts.metrics.ObserveWait(kind, start)
	return err
}

// Step runs one tick. Any error is fatal: the caller must Drain and must
// not call Step again.
func (o *Orchestrator) Step() error {
	switch o.State() {
	case StateDraining, StateStopped:
		return fmt.Errorf("frame: step after stop: %w", device.ErrDevice)
	}
	if o.err != nil {
		return o.err
	}
	if err := o.step(); err != nil {
		o.err = err
		o.opts.metrics.Error(device.Kind(err))
		slogger().Error("frame: tick failed", "tick", o.Tick(), "slot", o.slot, "kind", device.Kind(err), "err", err)
		return err
	}
	return nil
}

func (o *Orchestrator) step() error {
	start := time.Now()
	t := o.tick.Load()
	o.slot = int(t % uint64(len(o.slots)))
	o.image = -1
	s := &o.slots[o.slot]

	o.enter(StateAwaitSlotFree)
	if err := o.wait(s.computeDone, o.cfg.SlotTimeout, metrics.WaitCompute); err != nil {
		return fmt.Errorf("frame: tick %d: compute fence of slot %d: %w", t, o.slot, err)
	}
	if err := o.wait(s.renderDone, o.cfg.SlotTimeout, metrics.WaitRender); err != nil {
		return fmt.Errorf("frame: tick %d: render fence of slot %d: %w", t, o.slot, err)
	}
	if err := s.computeDone.Reset(); err != nil {
		return err
	}
	if err := s.renderDone.Reset(); err != nil {
		return err
	}
	s.computePending, s.renderPending = false, false

	params, cam := o.ctl.Frame(t)

	o.enter(StateSimulate)
	if err := o.sim.Dispatch(o.slot, params, nil, s.simulated, s.computeDone); err != nil {
		return fmt.Errorf("frame: tick %d: %w", t, err)
	}
	s.computePending = true

	o.enter(StateAwaitImage)
	acquireStart := time.Now()
	index, ready, err := o.surf.AcquireNext(o.cfg.AcquireTimeout)
	o.opts.metrics.ObserveWait(metrics.WaitAcquire, acquireStart)
	if err != nil {
		return fmt.Errorf("frame: tick %d: acquire: %w", t, err)
	}
	o.image = index
	if prev := o.inFlight[index]; prev != nil && prev != s.renderDone {
		if err := o.wait(prev, o.cfg.SlotTimeout, metrics.WaitImage); err != nil {
			return fmt.Errorf("frame: tick %d: image %d still in use: %w", t, index, err)
		}
	}
	o.inFlight[index] = s.renderDone
	rendered := o.rendered[index]
	if rendered == nil {
		rendered = device.NewSemaphore(fmt.Sprintf("rendered-%d", index))
		o.rendered[index] = rendered
	}

	o.enter(StateRender)
	if err := o.ren.Draw(o.slot, index, cam, s.simulated, ready, rendered, s.renderDone); err != nil {
		return fmt.Errorf("frame: tick %d: %w", t, err)
	}
	s.renderPending = true

	o.enter(StatePresent)
	if err := o.surf.Present(index, rendered); err != nil {
		return fmt.Errorf("frame: tick %d: present: %w", t, err)
	}

	o.tick.Add(1)
	o.opts.metrics.ObserveTick(start)
	slogger().Debug("frame: tick", "tick", t, "slot", o.slot, "image", index, "elapsed", time.Since(start))
	return nil
}

// Run steps until ctx is cancelled, MaxTicks is reached or a tick fails,
// then drains. ctx is checked once per full cycle of slots. A stop by ctx
// or tick limit returns nil; otherwise the tick error is returned, joined
// with any drain error.
func (o *Orchestrator) Run(ctx context.Context) error {
	slogger().Info("frame: loop started", "frames", len(o.slots), "max_ticks", o.cfg.MaxTicks)
	var runErr error
	for {
		t := o.Tick()
		if o.cfg.MaxTicks > 0 && t >= o.cfg.MaxTicks {
			break
		}
		if t%uint64(len(o.slots)) == 0 && ctx.Err() != nil {
			break
		}
		if err := o.Step(); err != nil {
			runErr = err
			break
		}
	}
	drainErr := o.Drain()
	slogger().Info("frame: loop stopped", "ticks", o.Tick(), "err", runErr)
	return errors.Join(runErr, drainErr)
}

// Drain waits for every submitted slot to finish, then runs the teardown
// functions in reverse order. If a fence does not signal within
// DrainTimeout the device queues are shut down before teardown. Drain is
// idempotent.
func (o *Orchestrator) Drain() error {
	if o.drained {
		return nil
	}
	o.drained = true
	o.enter(StateDraining)

	var errs []error
	for i := range o.slots {
		s := &o.slots[i]
		if s.computePending {
			if err := o.wait(s.computeDone, o.cfg.DrainTimeout, metrics.WaitDrain); err != nil {
				errs = append(errs, fmt.Errorf("frame: drain compute of slot %d: %w", i, err))
			}
		}
		if s.renderPending {
			if err := o.wait(s.renderDone, o.cfg.DrainTimeout, metrics.WaitDrain); err != nil {
				errs = append(errs, fmt.Errorf("frame: drain render of slot %d: %w", i, err))
			}
		}
	}
	drainErr := errors.Join(errs...)
	// A failed tick's fence reports the same failure; it is already in o.err.
	if drainErr != nil && o.err != nil && !timedOut(errs) {
		drainErr = nil
	}
	if timedOut(errs) && o.opts.shutdown != nil {
		slogger().Warn("frame: drain timed out, shutting queues down", "err", drainErr)
		o.opts.shutdown()
	}

	for i := len(o.teardown) - 1; i >= 0; i-- {
		td := o.teardown[i]
		slogger().Debug("frame: teardown", "resource", td.name)
		td.fn()
	}
	o.teardown = nil

	o.enter(StateStopped)
	return drainErr
}

func timedOut(errs []error) bool {
	for _, err := range errs {
		if errors.Is(err, device.ErrTimeout) {
			return true
		}
	}
	return false
}
