// Package shoal runs a GPU-resident flocking simulation of fish and renders
// every agent with one instanced draw per frame.
//
// # Overview
//
// Agent state never leaves the device. A compute stage advances the
// school one tick and a render stage draws it, both reading the same ring
// of agent buffers. Frames are pipelined: with F frames in flight the
// compute stage of tick t reads slot (t-1) mod F and writes slot t mod F,
// and the render stage of tick t draws slot t mod F. Semaphores order the
// two stages on the device; the host only blocks before it reuses a slot
// or a presentable image.
//
// # Quick Start
//
//	cfg := shoal.DefaultConfig()
//	cfg.Backend = shoal.BackendSoftware
//	cfg.MaxTicks = 600
//
//	sink, err := present.NewPNGSink("frames", 60)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := shoal.New(cfg, shoal.WithSink(sink))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Devices
//
// The GPU device runs the compute kernel and the render pipeline through
// gogpu/wgpu's HAL on Vulkan. The software device executes the same work
// on a worker pool with a tile rasterizer and is used when no adapter is
// available or when selected with BackendSoftware.
//
// # Errors
//
// ErrAllocation, ErrDevice, ErrSurfaceLost and ErrTimeout are fatal: the
// loop stops, waits for every frame in flight and releases all resources.
// Use ErrorKind to name them in logs and metrics.
package shoal

// Version is the current version of the module.
const Version = "0.1.0"
