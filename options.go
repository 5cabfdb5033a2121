package shoal

import (
	"image"

	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/shoal/internal/device"
	"github.com/gogpu/shoal/internal/frame"
	"github.com/gogpu/shoal/internal/present"
	"github.com/gogpu/shoal/internal/render"
)

// Option configures a Simulation during creation.
//
// Example:
//
//	sink, _ := present.NewPNGSink("frames", 60)
//	s, err := shoal.New(cfg, shoal.WithSink(sink))
type Option func(*options)

type options struct {
	sink       present.Sink
	overlays   []render.Overlay
	controller frame.Controller
	provider   gpucontext.DeviceProvider
	device     device.Device
	registerer prometheus.Registerer
	observer   frame.Observer
	texture    image.Image
}

// WithSink sets where presented images go. The default discards them.
func WithSink(s present.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithOverlay adds overlays drawn over every frame after the HUD.
func WithOverlay(ov ...render.Overlay) Option {
	return func(o *options) { o.overlays = append(o.overlays, ov...) }
}

// WithController supplies per-tick parameters and camera, replacing both
// Config.Tunables and Config.TunablesFile.
func WithController(c frame.Controller) Option {
	return func(o *options) { o.controller = c }
}

// WithDeviceProvider shares a device created by the host application.
// The device is not destroyed on Close. It takes precedence over
// Config.Backend.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithDevice runs on an already open device, which the Simulation does not
// destroy. It takes precedence over WithDeviceProvider.
func WithDevice(d device.Device) Option {
	return func(o *options) { o.device = d }
}

// WithRegisterer registers the loop metrics with r. Without it metrics go
// to a private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithObserver reports every frame loop transition.
func WithObserver(fn frame.Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithTexture replaces the fish texture. It takes precedence over
// Config.Texture.
func WithTexture(img image.Image) Option {
	return func(o *options) { o.texture = img }
}
