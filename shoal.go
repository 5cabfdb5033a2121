package shoal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/shoal/internal/assets"
	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/frame"
	"github.com/gogpu/shoal/internal/gpu"
	"github.com/gogpu/shoal/internal/hud"
	"github.com/gogpu/shoal/internal/metrics"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/resources"
	"github.com/gogpu/shoal/internal/simulate"
	"github.com/gogpu/shoal/internal/soft"
	"github.com/gogpu/shoal/internal/tunables"
)

// Simulation is one configured run: device, resource set, both stages,
// surface and frame loop.
type Simulation struct {
	cfg   Config
	runID uuid.UUID
	log   *slog.Logger

	dev     device.Device
	surf    *present.Surface
	orch    *frame.Orchestrator
	metrics *metrics.Frame
	watcher *tunables.Watcher

	ran    bool
	closed bool
}

// New validates cfg and builds every stage. On failure everything created
// so far is released.
func New(cfg Config, opts ...Option) (s *Simulation, err error) {
	cfg, err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s = &Simulation{cfg: cfg, runID: uuid.New()}
	s.log = Logger().With("run_id", s.runID.String())

	// Release functions in creation order; on success they move to the
	// orchestrator's teardown.
	type release struct {
		name string
		fn   func()
	}
	var owned []release
	own := func(name string, fn func()) { owned = append(owned, release{name, fn}) }
	defer func() {
		if err == nil {
			return
		}
		for i := len(owned) - 1; i >= 0; i-- {
			owned[i].fn()
		}
	}()

	dev, external, err := openDevice(cfg, &o, s.log)
	if err != nil {
		return nil, err
	}
	s.dev = dev
	if !external {
		own("device", dev.Destroy)
	}

	set, err := resources.Initialize(dev, resources.Config{
		Agents:       cfg.Agents,
		Frames:       cfg.Frames,
		Seed:         cfg.Seed,
		InitialSpeed: cfg.InitialSpeed,
		FieldScale:   cfg.FieldScale,
	})
	if err != nil {
		return nil, fmt.Errorf("shoal: resources: %w", err)
	}
	own("resources", set.Destroy)

	simStage, err := simulate.New(dev, set)
	if err != nil {
		return nil, fmt.Errorf("shoal: simulation stage: %w", err)
	}
	own("simulate", simStage.Destroy)

	surf, err := present.New(cfg.Surface, o.sink)
	if err != nil {
		return nil, fmt.Errorf("shoal: surface: %w", err)
	}
	s.surf = surf
	own("surface", surf.Close)

	renderOpts, err := renderOptions(cfg, &o)
	if err != nil {
		return nil, err
	}
	renStage, err := render.New(dev, set, surf, renderOpts...)
	if err != nil {
		return nil, fmt.Errorf("shoal: render stage: %w", err)
	}
	own("render", renStage.Destroy)

	s.metrics = metrics.New(o.registerer)
	s.metrics.Agents.Set(float64(cfg.Agents))

	ctl := o.controller
	if ctl == nil {
		if cfg.TunablesFile != "" {
			w, err := tunables.NewWatcher(cfg.TunablesFile, tunables.WithReloadHook(s.metrics.Reload))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			s.watcher = w
			own("tunables", func() { _ = w.Close() })
			ctl = w
		} else {
			ctl = frame.Static{Params: cfg.Tunables.Params, Camera: cfg.Tunables.Camera}
		}
	}

	frameOpts := []frame.Option{
		frame.WithMetrics(s.metrics),
		frame.WithQueueShutdown(func() {
			dev.Queue(device.QueueCompute).Close()
			dev.Queue(device.QueueGraphics).Close()
		}),
	}
	if o.observer != nil {
		frameOpts = append(frameOpts, frame.WithObserver(o.observer))
	}
	orch, err := frame.New(frame.Config{
		Frames:         cfg.Frames,
		SlotTimeout:    time.Duration(cfg.Timeouts.Slot),
		AcquireTimeout: time.Duration(cfg.Timeouts.Acquire),
		DrainTimeout:   time.Duration(cfg.Timeouts.Drain),
		MaxTicks:       cfg.MaxTicks,
	}, simStage, renStage, surf, ctl, frameOpts...)
	if err != nil {
		return nil, fmt.Errorf("shoal: frame loop: %w", err)
	}
	for _, r := range owned {
		orch.OnTeardown(r.name, r.fn)
	}
	owned = nil
	s.orch = orch

	s.log.Info("shoal: simulation ready",
		"device", dev.Name(), "agents", cfg.Agents, "frames", cfg.Frames,
		"width", cfg.Surface.Width, "height", cfg.Surface.Height)
	return s, nil
}

func openDevice(cfg Config, o *options, log *slog.Logger) (device.Device, bool, error) {
	if o.device != nil {
		return o.device, true, nil
	}
	if o.provider != nil {
		dev, err := gpu.NewFromProvider(o.provider)
		if err != nil {
			return nil, false, fmt.Errorf("shoal: shared device: %w", err)
		}
		return dev, true, nil
	}
	switch cfg.Backend {
	case BackendSoftware:
		return soft.New(soft.WithWorkers(cfg.Workers)), false, nil
	case BackendGPU:
		dev, err := gpu.Open()
		if err != nil {
			return nil, false, fmt.Errorf("shoal: %w", err)
		}
		return dev, false, nil
	}
	dev, err := gpu.Open()
	if err != nil {
		log.Warn("shoal: no GPU device, using software", "err", err)
		return soft.New(soft.WithWorkers(cfg.Workers)), false, nil
	}
	return dev, false, nil
}

func renderOptions(cfg Config, o *options) ([]render.Option, error) {
	opts := []render.Option{render.WithInstanceScale(cfg.InstanceScale)}
	tex := o.texture
	if tex == nil && cfg.Texture != "" {
		img, err := assets.LoadTexture(cfg.Texture)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		tex = img
	}
	if tex != nil {
		opts = append(opts, render.WithTexture(tex))
	}
	if cfg.HUD {
		opts = append(opts, render.WithOverlay(hud.New()))
	}
	if len(o.overlays) > 0 {
		opts = append(opts, render.WithOverlay(o.overlays...))
	}
	return opts, nil
}

// Config returns the effective configuration.
func (s *Simulation) Config() Config { return s.cfg }

// RunID identifies this simulation in logs.
func (s *Simulation) RunID() string { return s.runID.String() }

// Device returns the device name.
func (s *Simulation) Device() string { return s.dev.Name() }

// Ticks returns the number of completed ticks.
func (s *Simulation) Ticks() uint64 { return s.orch.Tick() }

// Presented returns how many frames reached the sink.
func (s *Simulation) Presented() uint64 { return s.surf.Presented() }

// Run drives the frame loop until ctx is cancelled, Config.MaxTicks is
// reached or a fatal error occurs, then drains the device and releases
// every resource. Run may be called once.
func (s *Simulation) Run(ctx context.Context) error {
	if s.ran || s.closed {
		return errors.New("shoal: simulation already run")
	}
	s.ran = true

	start := time.Now()
	s.log.Info("shoal: run started", "max_ticks", s.cfg.MaxTicks)
	err := s.orch.Run(ctx)
	s.closed = true
	if err != nil {
		s.log.Error("shoal: run failed", "kind", ErrorKind(err), "ticks", s.orch.Tick(), "err", err)
		return err
	}
	s.log.Info("shoal: run stopped", "ticks", s.orch.Tick(), "elapsed", time.Since(start))
	return nil
}

// Close releases a Simulation that was never run. It is a no-op after Run.
func (s *Simulation) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.orch.Drain()
}
