package render

import (
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	srgb "github.com/gogpu/shoal/internal/color"
	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/resources"
	"github.com/gogpu/shoal/internal/soft"
)

type images []*image.RGBA

func newImages(n, w, h int) images {
	imgs := make(images, n)
	for i := range imgs {
		imgs[i] = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return imgs
}

func (m images) Extent() (int, int) {
	b := m[0].Bounds()
	return b.Dx(), b.Dy()
}

func (m images) Image(i int) *image.RGBA {
	if i < 0 || i >= len(m) {
		return nil
	}
	return m[i]
}

type markOverlay struct {
	calls atomic.Int32
	info  atomic.Value
}

func (o *markOverlay) Name() string { return "mark" }

func (o *markOverlay) DrawOverlay(dst *image.RGBA, info FrameInfo) error {
	o.calls.Add(1)
	o.info.Store(info)
	dst.SetRGBA(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	return nil
}

func setup(t *testing.T, imgs images, opts ...Option) (*resources.Set, *Stage) {
	t.Helper()
	dev := soft.New(soft.WithWorkers(2))
	t.Cleanup(dev.Destroy)
	set, err := resources.Initialize(dev, resources.Config{Agents: 256, Frames: 2, Seed: 5, FieldScale: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(set.Destroy)
	st, err := New(dev, set, imgs, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Destroy)
	return set, st
}

func covered(img *image.RGBA) int {
	clear := srgb.RGBA(ClearColor)
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) != clear {
				n++
			}
		}
	}
	return n
}

func TestDrawRendersAgents(t *testing.T) {
	imgs := newImages(2, 96, 64)
	_, st := setup(t, imgs, WithInstanceScale(0.1))

	if st.Aspect() != 1.5 {
		t.Errorf("Aspect() = %v, want 1.5", st.Aspect())
	}
	done := device.NewFence("render", false)
	if err := st.Draw(1, 1, DefaultCamera(), nil, nil, nil, done); err != nil {
		t.Fatal(err)
	}
	if err := done.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if covered(imgs[1]) == 0 {
		t.Error("no agent reached the image")
	}
	if covered(imgs[0]) != imgs[0].Bounds().Dx()*imgs[0].Bounds().Dy() {
		t.Error("image 0 was written by a draw into image 1")
	}
}

func TestDrawCameraBehindField(t *testing.T) {
	imgs := newImages(1, 48, 48)
	_, st := setup(t, imgs, WithInstanceScale(0.1))

	cam := DefaultCamera()
	cam.Target = Vec3{2, 0.5, 0.5}
	done := device.NewFence("render", false)
	if err := st.Draw(0, 0, cam, nil, nil, nil, done); err != nil {
		t.Fatal(err)
	}
	if err := done.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if n := covered(imgs[0]); n != 0 {
		t.Errorf("%d pixels covered looking away from the field, want 0", n)
	}
}

func TestDrawRunsOverlaysAfterRaster(t *testing.T) {
	imgs := newImages(2, 32, 32)
	ov := &markOverlay{}
	_, st := setup(t, imgs, WithOverlay(ov))

	done := device.NewFence("render", false)
	if err := st.Draw(0, 1, DefaultCamera(), nil, nil, nil, done); err != nil {
		t.Fatal(err)
	}
	if err := done.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if ov.calls.Load() != 1 {
		t.Fatalf("overlay calls = %d, want 1", ov.calls.Load())
	}
	if got := imgs[1].RGBAAt(0, 0); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("overlay pixel = %v, cleared by the render pass", got)
	}
	want := FrameInfo{Slot: 0, Image: 1, Agents: 256}
	if got := ov.info.Load().(FrameInfo); got != want {
		t.Errorf("FrameInfo = %+v, want %+v", got, want)
	}
}

func TestDrawWaitsForImage(t *testing.T) {
	imgs := newImages(1, 16, 16)
	_, st := setup(t, imgs)

	simulated := device.NewSemaphore("simulated")
	ready := device.NewSemaphore("image")
	finished := device.NewSemaphore("finished")
	if err := simulated.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := ready.Arm(); err != nil {
		t.Fatal(err)
	}
	done := device.NewFence("render", false)
	if err := st.Draw(0, 0, DefaultCamera(), simulated, ready, finished, done); err != nil {
		t.Fatal(err)
	}

	simulated.Signal(nil)
	if err := done.Wait(30 * time.Millisecond); !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("draw finished before the image was ready: %v", err)
	}
	ready.Signal(nil)
	if err := done.Wait(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if !finished.Signaled() {
		t.Error("render-finished semaphore not signalled")
	}
}

func TestDrawRejects(t *testing.T) {
	imgs := newImages(1, 16, 16)
	_, st := setup(t, imgs)

	if err := st.Draw(2, 0, DefaultCamera(), nil, nil, nil, nil); !errors.Is(err, resources.ErrSlotRange) {
		t.Errorf("bad slot = %v, want ErrSlotRange", err)
	}
	if err := st.Draw(0, 3, DefaultCamera(), nil, nil, nil, nil); !errors.Is(err, device.ErrDevice) {
		t.Errorf("bad image = %v, want ErrDevice", err)
	}
	// A wait with no submitted signal can never complete.
	orphan := device.NewSemaphore("orphan")
	if err := st.Draw(0, 0, DefaultCamera(), orphan, nil, nil, nil); !errors.Is(err, device.ErrDevice) {
		t.Errorf("orphan wait = %v, want ErrDevice", err)
	}
}

func TestNewRejectsEmptyExtent(t *testing.T) {
	dev := soft.New()
	defer dev.Destroy()
	set, err := resources.Initialize(dev, resources.Config{Agents: 256, Frames: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer set.Destroy()
	if _, err := New(dev, set, zeroTargets{}); err == nil {
		t.Error("New accepted a 0x0 surface")
	}
}

type zeroTargets struct{}

func (zeroTargets) Extent() (int, int) { return 0, 0 }
func (zeroTargets) Image(int) *image.RGBA { return nil }
