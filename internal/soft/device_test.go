package soft

import (
	"encoding/binary"
	"errors"
	"image"
	"math"
	"testing"
	"time"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/sim"
)

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := New(append([]Option{WithWorkers(2)}, opts...)...)
	t.Cleanup(d.Destroy)
	return d
}

func mustBuffer(t *testing.T, d *Device, label string, size uint64) device.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(&device.BufferDescriptor{Label: label, Size: size, Usage: device.BufferUsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer(%s): %v", label, err)
	}
	return b
}

func TestBufferMemoryLimit(t *testing.T) {
	d := newDevice(t, WithMemoryLimit(1024))

	a := mustBuffer(t, d, "a", 768)
	if _, err := d.CreateBuffer(&device.BufferDescriptor{Label: "b", Size: 512}); !errors.Is(err, device.ErrAllocation) {
		t.Fatalf("CreateBuffer past limit = %v, want ErrAllocation", err)
	}
	if _, err := d.CreateBuffer(&device.BufferDescriptor{Label: "zero"}); !errors.Is(err, device.ErrAllocation) {
		t.Errorf("CreateBuffer(size 0) = %v, want ErrAllocation", err)
	}

	d.DestroyBuffer(a)
	d.DestroyBuffer(a)
	if got := d.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after destroy, want 0", got)
	}
	mustBuffer(t, d, "b", 512)
}

func TestBufferReadWrite(t *testing.T) {
	d := newDevice(t)
	b := mustBuffer(t, d, "buf", 8)

	if err := d.WriteBuffer(b, 2, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 8)
	if err := d.ReadBuffer(b, 0, got); err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 1, 2, 3, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBuffer = %v, want %v", got, want)
		}
	}
	if err := d.WriteBuffer(b, 6, []byte{1, 2, 3}); !errors.Is(err, device.ErrDevice) {
		t.Errorf("overrunning write = %v, want ErrDevice", err)
	}
}

func TestKernelMatchesStepper(t *testing.T) {
	d := newDevice(t)
	const n = 512
	size := sim.AgentBytes(n)
	params := mustBuffer(t, d, "params", sim.ParamsSize)
	prev := mustBuffer(t, d, "prev", size)
	cur := mustBuffer(t, d, "cur", size)

	seed := sim.DefaultPopulation().Generate(n)
	enc := make([]byte, size)
	if err := sim.EncodeAgents(enc, seed); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(prev, 0, enc); err != nil {
		t.Fatal(err)
	}
	p := sim.DefaultParams()
	if err := d.WriteBuffer(params, 0, p.Bytes()); err != nil {
		t.Fatal(err)
	}

	k, err := d.CreateKernel(&device.KernelDescriptor{Label: "flock", Agents: n, GroupSize: sim.GroupSize})
	if err != nil {
		t.Fatal(err)
	}
	bg, err := k.Bind("flock-0", device.ComputeBindings{Params: params, Previous: prev, Current: cur})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.Dispatch(bg, 1); !errors.Is(err, device.ErrDevice) {
		t.Errorf("Dispatch with wrong group count = %v, want ErrDevice", err)
	}
	work, err := k.Dispatch(bg, n/sim.GroupSize)
	if err != nil {
		t.Fatal(err)
	}
	fence := device.NewFence("compute", false)
	if err := d.Queue(device.QueueCompute).Submit(device.Submission{Work: work, Fence: fence}); err != nil {
		t.Fatal(err)
	}
	if err := fence.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, size)
	if err := d.ReadBuffer(cur, 0, raw); err != nil {
		t.Fatal(err)
	}
	got := make([]sim.Agent, n)
	if err := sim.DecodeAgents(got, raw); err != nil {
		t.Fatal(err)
	}
	want := make([]sim.Agent, n)
	sim.NewStepper(d.pool).Step(want, seed, p)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("agent %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCreateKernelRejectsPartialGroups(t *testing.T) {
	d := newDevice(t)
	for _, agents := range []uint32{0, 100, 300} {
		_, err := d.CreateKernel(&device.KernelDescriptor{Agents: agents, GroupSize: sim.GroupSize})
		if !errors.Is(err, device.ErrDevice) {
			t.Errorf("CreateKernel(%d agents) = %v, want ErrDevice", agents, err)
		}
	}
}

// identityCamera encodes identity view and projection matrices, so agent
// positions are clip coordinates with w = 1.
func identityCamera() []byte {
	b := make([]byte, device.CameraUniformSize)
	for m := range 2 {
		for i := range 4 {
			binary.LittleEndian.PutUint32(b[m*64+(i*4+i)*4:], math.Float32bits(1))
		}
	}
	return b
}

var testQuad = device.Mesh{
	Vertices: []device.Vertex{
		{Pos: [2]float32{-0.5, -0.5}, Color: [3]float32{1, 1, 1}, UV: [2]float32{0, 1}},
		{Pos: [2]float32{0.5, -0.5}, Color: [3]float32{1, 1, 1}, UV: [2]float32{1, 1}},
		{Pos: [2]float32{0.5, 0.5}, Color: [3]float32{1, 1, 1}, UV: [2]float32{1, 0}},
		{Pos: [2]float32{-0.5, 0.5}, Color: [3]float32{1, 1, 1}, UV: [2]float32{0, 0}},
	},
	Indices: []uint16{0, 1, 2, 2, 3, 0},
}

func drawAgents(t *testing.T, d *Device, agents []sim.Agent) *image.RGBA {
	t.Helper()
	const w, h = 100, 80
	cam := mustBuffer(t, d, "camera", device.CameraUniformSize)
	inst := mustBuffer(t, d, "instances", sim.AgentBytes(len(agents)))
	if err := d.WriteBuffer(cam, 0, identityCamera()); err != nil {
		t.Fatal(err)
	}
	enc := make([]byte, sim.AgentBytes(len(agents)))
	if err := sim.EncodeAgents(enc, agents); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(inst, 0, enc); err != nil {
		t.Fatal(err)
	}

	pl, err := d.CreatePipeline(&device.PipelineDescriptor{
		Label: "fish", Width: w, Height: h, Mesh: testQuad,
		ClearColor: [4]float32{0.002, 0, 0.02, 1}, InstanceScale: 0.4,
	})
	if err != nil {
		t.Fatal(err)
	}
	bg, err := pl.Bind("fish-0", device.RenderBindings{Camera: cam, Instances: inst})
	if err != nil {
		t.Fatal(err)
	}
	target := image.NewRGBA(image.Rect(0, 0, w, h))
	work, err := pl.Draw(bg, device.DrawCall{Target: target, IndexCount: 6, InstanceCount: uint32(len(agents))})
	if err != nil {
		t.Fatal(err)
	}
	fence := device.NewFence("render", false)
	if err := d.Queue(device.QueueGraphics).Submit(device.Submission{Work: work, Fence: fence}); err != nil {
		t.Fatal(err)
	}
	if err := fence.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	return target
}

func TestDrawClearsAndCoversCentre(t *testing.T) {
	d := newDevice(t)
	img := drawAgents(t, d, []sim.Agent{
		{Pos: [3]float32{0, 0, 0.5}, Vel: [3]float32{0, 1, 0}, Color: [3]float32{1, 0, 0}},
	})

	if got := img.RGBAAt(2, 2); got.R != 7 || got.G != 0 || got.B != 39 || got.A != 255 {
		t.Errorf("corner = %v, want sRGB clear colour {7 0 39 255}", got)
	}
	if got := img.RGBAAt(50, 40); got.R != 255 || got.G != 0 || got.B != 0 {
		t.Errorf("centre = %v, want red", got)
	}
}

func TestDrawDepthLess(t *testing.T) {
	near := sim.Agent{Pos: [3]float32{0, 0, 0.3}, Color: [3]float32{1, 0, 0}}
	far := sim.Agent{Pos: [3]float32{0, 0, 0.6}, Color: [3]float32{0, 1, 0}}
	behind := sim.Agent{Pos: [3]float32{0, 0, 1.5}, Color: [3]float32{0, 0, 1}}

	for _, order := range [][]sim.Agent{{near, far}, {far, near}, {behind, far, near}} {
		d := newDevice(t)
		img := drawAgents(t, d, order)
		if got := img.RGBAAt(50, 40); got.R != 255 || got.G != 0 {
			t.Errorf("centre = %v, want the nearer red agent", got)
		}
	}
}

func TestDrawRejectsMismatchedTarget(t *testing.T) {
	d := newDevice(t)
	cam := mustBuffer(t, d, "camera", device.CameraUniformSize)
	inst := mustBuffer(t, d, "instances", sim.AgentBytes(1))
	pl, err := d.CreatePipeline(&device.PipelineDescriptor{Width: 10, Height: 10, Mesh: testQuad})
	if err != nil {
		t.Fatal(err)
	}
	bg, err := pl.Bind("fish", device.RenderBindings{Camera: cam, Instances: inst})
	if err != nil {
		t.Fatal(err)
	}
	_, err = pl.Draw(bg, device.DrawCall{Target: image.NewRGBA(image.Rect(0, 0, 5, 5)), IndexCount: 6, InstanceCount: 1})
	if !errors.Is(err, device.ErrDevice) {
		t.Errorf("Draw into 5x5 = %v, want ErrDevice", err)
	}
	_, err = pl.Draw(bg, device.DrawCall{Target: image.NewRGBA(image.Rect(0, 0, 10, 10)), IndexCount: 6, InstanceCount: 2})
	if !errors.Is(err, device.ErrDevice) {
		t.Errorf("Draw overrunning instances = %v, want ErrDevice", err)
	}
}

func TestDestroyAbandonsQueuedWork(t *testing.T) {
	d := New(WithWorkers(1))
	blocker := device.NewSemaphore("never")
	if err := blocker.Arm(); err != nil {
		t.Fatal(err)
	}
	fence := device.NewFence("stuck", false)
	err := d.Queue(device.QueueGraphics).Submit(device.Submission{
		Work:  device.Work{Label: "stuck", Phases: []device.Phase{{Stage: device.StageVertexInput, Run: func() error { return nil }}}},
		Waits: []device.Wait{{Semaphore: blocker, Stage: device.StageVertexInput}},
		Fence: fence,
	})
	if err != nil {
		t.Fatal(err)
	}
	d.Destroy()
	if err := fence.Wait(time.Second); !errors.Is(err, device.ErrDevice) {
		t.Errorf("fence after Destroy = %v, want ErrDevice", err)
	}
}
