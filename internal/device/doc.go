// Package device models the accelerator that executes simulation and render
// work for shoal.
//
// The model is deliberately close to explicit graphics APIs: work is recorded
// into a [Work] value, submitted to a [Queue] together with the binary
// [Semaphore]s it waits on (each gated at a pipeline [Stage]), the
// semaphores it signals, and an optional host-visible [Fence]. Queues execute
// submissions asynchronously in submission order; the host only ever blocks
// on fences.
//
// Two implementations of [Device] exist: a software device that runs the
// flocking kernel and the instanced rasterizer on the CPU (internal/soft),
// and a wgpu/hal device (internal/gpu).
package device
