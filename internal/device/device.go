package device

import "image"

// BufferUsage describes how a buffer is bound. Values can be combined.
type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageCopySrc
	BufferUsageCopyDst
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is a device-resident buffer.
type Buffer interface {
	Label() string
	Size() uint64
}

// BindGroup is a backend binding table created from a kernel or pipeline.
type BindGroup interface {
	Label() string
}

// QueueKind selects a device queue.
type QueueKind uint8

const (
	QueueCompute QueueKind = iota
	QueueGraphics
)

// String returns the queue kind name.
func (k QueueKind) String() string {
	if k == QueueCompute {
		return "compute"
	}
	return "graphics"
}

// ComputeBindings are the resources the flocking kernel reads and writes.
// Params is a uniform buffer, Previous is read-only, Current is written.
type ComputeBindings struct {
	Params   Buffer
	Previous Buffer
	Current  Buffer
}

// KernelDescriptor describes the flocking compute kernel.
type KernelDescriptor struct {
	Label     string
	Agents    uint32
	GroupSize uint32
}

// Kernel is a compiled compute program.
type Kernel interface {
	Bind(label string, b ComputeBindings) (BindGroup, error)
	// Dispatch records groups workgroups over the bound buffers.
	Dispatch(bg BindGroup, groups uint32) (Work, error)
	Destroy()
}

// Vertex is one vertex of the instanced mesh.
type Vertex struct {
	Pos   [2]float32
	Color [3]float32
	UV    [2]float32
}

// VertexStride is the byte size of an encoded Vertex.
const VertexStride = 28

// Mesh is indexed triangle-list geometry drawn once per instance.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint16
}

// PipelineDescriptor describes the instanced render pipeline and the
// extent of the targets it renders into.
type PipelineDescriptor struct {
	Label      string
	Width      int
	Height     int
	Mesh       Mesh
	Texture    image.Image
	ClearColor [4]float32
	// InstanceScale is the world-space size of one mesh unit.
	InstanceScale float32
}

// CameraUniformSize is the size of the camera uniform: a column-major view
// matrix followed by a column-major projection matrix, both mat4x4<f32>.
const CameraUniformSize = 128

// RenderBindings are the resources the render pipeline reads.
type RenderBindings struct {
	Camera    Buffer
	Instances Buffer
}

// DrawCall is one indexed instanced draw into Target.
type DrawCall struct {
	Target        *image.RGBA
	IndexCount    uint32
	InstanceCount uint32
}

// Pipeline is a compiled instanced render pipeline with depth testing.
type Pipeline interface {
	Bind(label string, b RenderBindings) (BindGroup, error)
	// Draw records a render pass that clears Target and its depth buffer
	// and issues the draw. Phases reading instance data are tagged
	// StageVertexInput or later; phases writing Target are tagged
	// StageColorAttachmentOutput.
	Draw(bg BindGroup, call DrawCall) (Work, error)
	Destroy()
}

// Device creates resources and exposes the queues that execute work.
//
// WriteBuffer and ReadBuffer are host operations: callers must have waited
// the fences of every submission that uses the buffer.
type Device interface {
	Name() string
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	DestroyBuffer(b Buffer)
	WriteBuffer(b Buffer, offset uint64, data []byte) error
	ReadBuffer(b Buffer, offset uint64, dst []byte) error
	CreateKernel(desc *KernelDescriptor) (Kernel, error)
	CreatePipeline(desc *PipelineDescriptor) (Pipeline, error)
	Queue(kind QueueKind) *Queue
	// Destroy shuts the queues down and releases the device.
	Destroy()
}
