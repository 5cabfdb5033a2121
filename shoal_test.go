package shoal

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/frame"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/sim"
	"github.com/gogpu/shoal/internal/soft"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Agents = 512
	cfg.Backend = BackendSoftware
	cfg.Workers = 2
	cfg.Surface = present.Config{Width: 64, Height: 48, Images: 3}
	cfg.MaxTicks = 4
	return cfg
}

func TestRunSoftware(t *testing.T) {
	var frames atomic.Int32
	var lit atomic.Bool
	sink := present.SinkFunc(func(_ int, img *image.RGBA) error {
		frames.Add(1)
		if img.RGBAAt(img.Bounds().Dx()-1, img.Bounds().Dy()-1) != (color.RGBA{}) {
			lit.Store(true)
		}
		return nil
	})
	reg := prometheus.NewRegistry()

	s, err := New(testConfig(), WithSink(sink), WithRegisterer(reg))
	require.NoError(t, err)
	_, err = uuid.Parse(s.RunID())
	require.NoError(t, err)
	require.Equal(t, "software", s.Device())
	require.Equal(t, 512, s.Config().Agents)

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, uint64(4), s.Ticks())
	require.Equal(t, uint64(4), s.Presented())
	require.EqualValues(t, 4, frames.Load())
	require.True(t, lit.Load(), "frames were never cleared")

	n, err := testutil.GatherAndCount(reg, "shoal_ticks_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Error(t, s.Run(context.Background()))
	require.NoError(t, s.Close())
}

// With two images every other acquire returns the image still on screen,
// which becomes ready only once the other image replaces it.
func TestRunTwoImages(t *testing.T) {
	cfg := testConfig()
	cfg.Surface.Images = 2
	cfg.MaxTicks = 8
	cfg.Timeouts = Timeouts{Slot: Duration(2 * time.Second), Acquire: Duration(2 * time.Second), Drain: Duration(2 * time.Second)}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, uint64(8), s.Ticks())
	require.Equal(t, uint64(8), s.Presented())
}

func TestRunReleasesInjectedDeviceResources(t *testing.T) {
	dev := soft.New(soft.WithWorkers(2))
	defer dev.Destroy()

	s, err := New(testConfig(), WithDevice(dev))
	require.NoError(t, err)
	require.NotZero(t, dev.Allocated())
	require.NoError(t, s.Run(context.Background()))

	// Every buffer is gone but the device itself is still usable.
	require.Zero(t, dev.Allocated())
	require.NoError(t, dev.Queue(device.QueueCompute).Err())
}

func TestCloseWithoutRun(t *testing.T) {
	dev := soft.New()
	defer dev.Destroy()

	s, err := New(testConfig(), WithDevice(dev))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Zero(t, dev.Allocated())
	require.Error(t, s.Run(context.Background()))
}

func TestNewFailureReleasesEverything(t *testing.T) {
	dev := soft.New(soft.WithMemoryLimit(4096))
	defer dev.Destroy()

	_, err := New(testConfig(), WithDevice(dev))
	require.ErrorIs(t, err, ErrAllocation)
	require.Equal(t, "allocation", ErrorKind(err))
	require.Zero(t, dev.Allocated())
}

func TestNewRejectsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Agents = 100
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Surface.Images = 1
	_, err = New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Texture = "does-not-exist.png"
	_, err = New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

type countingController struct {
	calls atomic.Uint64
	inner frame.Static
}

func (c *countingController) Frame(tick uint64) (sim.Params, render.Camera) {
	c.calls.Add(1)
	return c.inner.Frame(tick)
}

func TestSinkFailureStopsRun(t *testing.T) {
	boom := errors.New("encoder crashed")
	var transitions []frame.State
	cfg := testConfig()
	cfg.MaxTicks = 0
	s, err := New(cfg,
		WithSink(present.SinkFunc(func(int, *image.RGBA) error { return boom })),
		WithObserver(func(tr frame.Transition) { transitions = append(transitions, tr.To) }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.ErrorIs(t, err, ErrSurfaceLost)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "surface_lost", ErrorKind(err))
	require.Equal(t, frame.StateStopped, transitions[len(transitions)-1])
	require.Contains(t, transitions, frame.StateDraining)
}

func TestWithControllerAndOverlay(t *testing.T) {
	ctl := &countingController{inner: frame.Static{Camera: render.DefaultCamera()}}
	var overlays atomic.Int32
	ov := overlayFunc(func() { overlays.Add(1) })

	cfg := testConfig()
	cfg.HUD = false
	s, err := New(cfg, WithController(ctl), WithOverlay(ov))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	require.EqualValues(t, 4, ctl.calls.Load())
	require.EqualValues(t, 4, overlays.Load())
}

type overlayFunc func()

func (f overlayFunc) Name() string { return "count" }

func (f overlayFunc) DrawOverlay(*image.RGBA, render.FrameInfo) error {
	f()
	return nil
}
