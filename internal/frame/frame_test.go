package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/metrics"
	"github.com/gogpu/shoal/internal/parallel"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/resources"
	"github.com/gogpu/shoal/internal/sim"
	"github.com/gogpu/shoal/internal/simulate"
	"github.com/gogpu/shoal/internal/soft"
)

// stack is the full software pipeline.
type stack struct {
	set  *resources.Set
	sim  *simulate.Stage
	ren  *render.Stage
	surf *present.Surface
	pop  sim.Population
}

func newStack(t *testing.T, agents, frames int, speed float32, opts ...render.Option) *stack {
	t.Helper()
	dev := soft.New(soft.WithWorkers(2))
	t.Cleanup(dev.Destroy)

	pop := sim.Population{Seed: 42, InitialSpeed: speed, FieldScale: 1}
	set, err := resources.Initialize(dev, resources.Config{
		Agents: agents, Frames: frames, Seed: pop.Seed, InitialSpeed: speed, FieldScale: 1,
	})
	require.NoError(t, err)
	t.Cleanup(set.Destroy)

	st, err := simulate.New(dev, set)
	require.NoError(t, err)
	t.Cleanup(st.Destroy)

	surf, err := present.New(present.Config{Width: 32, Height: 24}, nil)
	require.NoError(t, err)
	t.Cleanup(surf.Close)

	ren, err := render.New(dev, set, surf, opts...)
	require.NoError(t, err)
	t.Cleanup(ren.Destroy)

	return &stack{set: set, sim: st, ren: ren, surf: surf, pop: pop}
}

func (s *stack) orchestrator(t *testing.T, cfg Config, ctl Controller, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, s.sim, s.ren, s.surf, ctl, opts...)
	require.NoError(t, err)
	return o
}

// stepped returns the seed population advanced n ticks on the host.
func (s *stack) stepped(n, agents int, p sim.Params) []sim.Agent {
	pool := parallel.NewWorkerPool(1)
	defer pool.Close()
	st := sim.NewStepper(pool)
	cur := s.pop.Generate(agents)
	next := make([]sim.Agent, agents)
	for range n {
		st.Step(next, cur, p)
		cur, next = next, cur
	}
	return cur
}

func TestNewValidates(t *testing.T) {
	s := newStack(t, 256, 2, 0)
	_, err := New(Config{Frames: 0}, s.sim, s.ren, s.surf, Static{})
	require.Error(t, err)
	_, err = New(Config{Frames: 2}, s.sim, nil, s.surf, Static{})
	require.Error(t, err)
}

func TestRunStopsAtTickLimit(t *testing.T) {
	s := newStack(t, 256, 2, 0.003)
	m := metrics.New(nil)
	var order []string
	o := s.orchestrator(t, Config{Frames: 2, MaxTicks: 5},
		Static{Params: sim.DefaultParams(), Camera: render.DefaultCamera()}, WithMetrics(m))
	o.OnTeardown("first", func() { order = append(order, "first") })
	o.OnTeardown("second", func() { order = append(order, "second") })

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, uint64(5), o.Tick())
	require.Equal(t, StateStopped, o.State())
	require.Equal(t, []string{"second", "first"}, order)
	require.Eventually(t, func() bool { return s.surf.Presented() == 5 }, 5*time.Second, time.Millisecond)

	// Teardown ran once.
	require.NoError(t, o.Drain())
	require.Len(t, order, 2)
	require.Error(t, o.Step())
}

func TestRunCancelled(t *testing.T) {
	s := newStack(t, 256, 2, 0)
	o := s.orchestrator(t, Config{Frames: 2}, Static{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Run(ctx))
	require.Zero(t, o.Tick())
	require.Equal(t, StateStopped, o.State())
}

// Zero velocity and zero forces leave every agent where it was seeded.
func TestZeroForcesNoDrift(t *testing.T) {
	s := newStack(t, 256, 2, 0)
	o := s.orchestrator(t, Config{Frames: 2, MaxTicks: 3}, Static{Camera: render.DefaultCamera()})
	require.NoError(t, o.Run(context.Background()))

	seed := s.pop.Generate(256)
	for slot := range 2 {
		got, err := s.set.ReadAgents(slot)
		require.NoError(t, err)
		for i := range seed {
			require.Equal(t, seed[i].Pos, got[i].Pos, "slot %d agent %d", slot, i)
			require.Equal(t, [3]float32{}, got[i].Vel, "slot %d agent %d", slot, i)
		}
	}
}

type snapshotOverlay struct {
	set *resources.Set

	mu   sync.Mutex
	seen [][3]float32
	err  error
}

func (o *snapshotOverlay) Name() string { return "snapshot" }

func (o *snapshotOverlay) DrawOverlay(_ *image.RGBA, info render.FrameInfo) error {
	agents, err := o.set.ReadAgents(info.Slot)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.err = err
		return err
	}
	o.seen = append(o.seen, agents[7].Pos)
	return nil
}

// The draw of tick t sees exactly the state the simulation wrote at tick t.
func TestRenderObservesCurrentTick(t *testing.T) {
	ov := &snapshotOverlay{}
	s := newStack(t, 256, 2, 0.003, render.WithOverlay(ov))
	ov.set = s.set
	p := sim.DefaultParams()

	const ticks = 6
	o := s.orchestrator(t, Config{Frames: 2, MaxTicks: ticks}, Static{Params: p, Camera: render.DefaultCamera()})
	require.NoError(t, o.Run(context.Background()))

	ov.mu.Lock()
	defer ov.mu.Unlock()
	require.NoError(t, ov.err)
	require.Len(t, ov.seen, ticks)
	for tick := range ticks {
		want := s.stepped(tick+1, 256, p)[7].Pos
		require.Equal(t, want, ov.seen[tick], "tick %d", tick)
	}
}

type step struct {
	from, to State
	tick     uint64
	slot     int
}

func TestIdenticalInputsIdenticalRuns(t *testing.T) {
	run := func() ([]step, []sim.Agent) {
		s := newStack(t, 512, 2, 0.003)
		var steps []step
		o := s.orchestrator(t, Config{Frames: 2, MaxTicks: 4},
			Static{Params: sim.DefaultParams(), Camera: render.DefaultCamera()},
			WithObserver(func(tr Transition) {
				steps = append(steps, step{tr.From, tr.To, tr.Tick, tr.Slot})
			}))
		require.NoError(t, o.Run(context.Background()))
		agents, err := s.set.ReadAgents(1)
		require.NoError(t, err)
		return steps, agents
	}
	stepsA, agentsA := run()
	stepsB, agentsB := run()
	require.Equal(t, stepsA, stepsB)
	require.Equal(t, agentsA, agentsB)

	require.Equal(t, step{StateIdle, StateAwaitSlotFree, 0, 0}, stepsA[0])
	require.Equal(t, StateStopped, stepsA[len(stepsA)-1].to)
}

// recorder stands in for both stages on real queues and checks that a
// slot's fences have completed every earlier submission before the slot
// is dispatched again.
type recorder struct {
	compute  *device.Queue
	graphics *device.Queue
	delay    time.Duration
	block    *device.Semaphore

	mu          sync.Mutex
	computeN    map[int]uint64
	renderN     map[int]uint64
	renderFence map[int]*device.Fence
	violations  []string
}

func newRecorder(t *testing.T, delay time.Duration) *recorder {
	r := &recorder{
		compute:     device.NewQueue("compute", 0),
		graphics:    device.NewQueue("graphics", 0),
		delay:       delay,
		computeN:    map[int]uint64{},
		renderN:     map[int]uint64{},
		renderFence: map[int]*device.Fence{},
	}
	t.Cleanup(r.compute.Close)
	t.Cleanup(r.graphics.Close)
	return r
}

type recSim struct{ *recorder }

func (r recSim) Dispatch(slot int, _ sim.Params, _, signal *device.Semaphore, done *device.Fence) error {
	r.mu.Lock()
	if got := done.Completions(); got != r.computeN[slot] {
		r.violations = append(r.violations, fmt.Sprintf("slot %d compute: %d of %d complete", slot, got, r.computeN[slot]))
	}
	if f := r.renderFence[slot]; f != nil && f.Completions() != r.renderN[slot] {
		r.violations = append(r.violations, fmt.Sprintf("slot %d render: %d of %d complete", slot, f.Completions(), r.renderN[slot]))
	}
	r.computeN[slot]++
	r.mu.Unlock()

	return r.compute.Submit(device.Submission{
		Work: device.Work{Label: "sim", Phases: []device.Phase{{
			Stage: device.StageComputeShader, Name: "sim",
			Run: func() error { time.Sleep(r.delay); return nil },
		}}},
		Signals: []*device.Semaphore{signal},
		Fence:   done,
	})
}

type recRender struct{ *recorder }

func (r recRender) Draw(slot, _ int, _ render.Camera, simulated, imageReady, signal *device.Semaphore, done *device.Fence) error {
	r.mu.Lock()
	r.renderFence[slot] = done
	r.renderN[slot]++
	r.mu.Unlock()

	waits := []device.Wait{
		{Semaphore: simulated, Stage: device.StageVertexInput},
		{Semaphore: imageReady, Stage: device.StageColorAttachmentOutput},
	}
	if r.block != nil {
		waits = append(waits, device.Wait{Semaphore: r.block, Stage: device.StageColorAttachmentOutput})
	}
	return r.graphics.Submit(device.Submission{
		Work: device.Work{Label: "draw", Phases: []device.Phase{{
			Stage: device.StageColorAttachmentOutput, Name: "draw",
			Run: func() error { time.Sleep(2 * r.delay); return nil },
		}}},
		Waits:   waits,
		Signals: []*device.Semaphore{signal},
		Fence:   done,
	})
}

func newSurface(t *testing.T) *present.Surface {
	surf, err := present.New(present.Config{Width: 4, Height: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(surf.Close)
	return surf
}

func TestSlotReusedOnlyAfterBothFences(t *testing.T) {
	for _, frames := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("frames=%d", frames), func(t *testing.T) {
			r := newRecorder(t, time.Millisecond)
			var awaits atomic.Int32
			o, err := New(Config{Frames: frames, MaxTicks: 12}, recSim{r}, recRender{r}, newSurface(t), Static{},
				WithObserver(func(tr Transition) {
					if tr.To == StateAwaitSlotFree {
						awaits.Add(1)
						require.Equal(t, int(tr.Tick%uint64(frames)), tr.Slot)
					}
				}))
			require.NoError(t, err)
			require.NoError(t, o.Run(context.Background()))

			r.mu.Lock()
			defer r.mu.Unlock()
			require.Empty(t, r.violations)
			require.EqualValues(t, 12, awaits.Load())
		})
	}
}

type timeoutSurface struct {
	presents atomic.Int32
}

func (s *timeoutSurface) AcquireNext(timeout time.Duration) (int, *device.Semaphore, error) {
	return -1, nil, fmt.Errorf("%w: no image after %s", device.ErrTimeout, timeout)
}

func (s *timeoutSurface) Present(int, *device.Semaphore) error {
	s.presents.Add(1)
	return nil
}

func TestAcquireTimeoutDrainsWithoutPresent(t *testing.T) {
	r := newRecorder(t, 0)
	surf := &timeoutSurface{}
	var states []State
	o, err := New(Config{Frames: 2, AcquireTimeout: 10 * time.Millisecond}, recSim{r}, recRender{r}, surf, Static{},
		WithObserver(func(tr Transition) { states = append(states, tr.To) }))
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.ErrorIs(t, err, device.ErrTimeout)
	require.ErrorIs(t, o.Err(), device.ErrTimeout)
	require.Equal(t, "timeout", device.Kind(err))

	require.Zero(t, surf.presents.Load())
	require.NotContains(t, states, StatePresent)
	require.NotContains(t, states, StateRender)
	require.Equal(t, []State{StateAwaitSlotFree, StateSimulate, StateAwaitImage, StateDraining, StateStopped}, states)
	require.Zero(t, o.Tick())
}

func TestDrainTimeoutShutsQueuesBeforeTeardown(t *testing.T) {
	r := newRecorder(t, 0)
	r.block = device.NewSemaphore("never")
	require.NoError(t, r.block.Arm())

	var order []string
	o, err := New(Config{Frames: 1, MaxTicks: 1, DrainTimeout: 20 * time.Millisecond},
		recSim{r}, recRender{r}, newSurface(t), Static{},
		WithQueueShutdown(func() {
			order = append(order, "shutdown")
			r.compute.Close()
			r.graphics.Close()
		}))
	require.NoError(t, err)
	o.OnTeardown("buffers", func() { order = append(order, "buffers") })

	err = o.Run(context.Background())
	require.ErrorIs(t, err, device.ErrTimeout)
	require.Equal(t, []string{"shutdown", "buffers"}, order)
	require.Equal(t, StateStopped, o.State())
}

func TestTickFailureIsFatal(t *testing.T) {
	r := newRecorder(t, 0)
	r.graphics.Close()

	surf := newSurface(t)
	o, err := New(Config{Frames: 2}, recSim{r}, recRender{r}, surf, Static{})
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.ErrorIs(t, err, device.ErrDevice)
	require.True(t, errors.Is(o.Err(), device.ErrDevice))
	require.Zero(t, surf.Presented())
	require.Error(t, o.Step())
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "await_slot_free", StateAwaitSlotFree.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "unknown", State(99).String())
}
