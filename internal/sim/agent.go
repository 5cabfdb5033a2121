// Package sim defines the simulation data model shared by every device
// backend: the per-agent state layout, the tunable coefficients, the seeded
// initial population and a CPU reference implementation of the flocking
// kernel.
package sim

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GroupSize is the number of agents processed by one compute workgroup.
// Agent counts are always a multiple of it.
const GroupSize = 256

// AgentStride is the device size of one agent: three vec3<f32> fields, each
// padded to 16 bytes.
const AgentStride = 48

// Agent is the state of one simulated fish.
type Agent struct {
	Pos   [3]float32
	Vel   [3]float32
	Color [3]float32
}

// AgentBytes returns the buffer size needed for n agents.
func AgentBytes(n int) uint64 {
	return uint64(n) * AgentStride
}

// RoundAgents rounds n down to a multiple of GroupSize.
func RoundAgents(n int) int {
	if n <= 0 {
		return 0
	}
	return n - n%GroupSize
}

// EncodeAgents writes agents into dst in device layout.
func EncodeAgents(dst []byte, agents []Agent) error {
	if uint64(len(dst)) < AgentBytes(len(agents)) {
		return fmt.Errorf("sim: encode %d agents into %d bytes", len(agents), len(dst))
	}
	for i := range agents {
		b := dst[i*AgentStride : (i+1)*AgentStride]
		putVec3(b[0:], agents[i].Pos)
		putVec3(b[16:], agents[i].Vel)
		putVec3(b[32:], agents[i].Color)
	}
	return nil
}

// DecodeAgents reads len(dst) agents from src.
func DecodeAgents(dst []Agent, src []byte) error {
	if uint64(len(src)) < AgentBytes(len(dst)) {
		return fmt.Errorf("sim: decode %d agents from %d bytes", len(dst), len(src))
	}
	for i := range dst {
		b := src[i*AgentStride : (i+1)*AgentStride]
		dst[i].Pos = vec3At(b[0:])
		dst[i].Vel = vec3At(b[16:])
		dst[i].Color = vec3At(b[32:])
	}
	return nil
}

func putVec3(b []byte, v [3]float32) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(v[2]))
	binary.LittleEndian.PutUint32(b[12:], 0)
}

func vec3At(b []byte) [3]float32 {
	return [3]float32{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}
