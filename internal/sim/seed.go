package sim

import "math/rand/v2"

// Population describes the randomized initial state.
type Population struct {
	Seed uint64
	// FieldScale is the edge length of the cube positions are drawn from.
	FieldScale float32
	// InitialSpeed scales velocities drawn uniformly from [-1,1]^3.
	InitialSpeed float32
}

// DefaultPopulation returns the population used by the interactive demo.
func DefaultPopulation() Population {
	return Population{Seed: 1, FieldScale: 1, InitialSpeed: 0.003}
}

// Generate returns n agents drawn from the population. The same Population
// always yields the same agents.
func (p Population) Generate(n int) []Agent {
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	agents := make([]Agent, n)
	for i := range agents {
		a := &agents[i]
		for k := range 3 {
			a.Pos[k] = rng.Float32() * p.FieldScale
		}
		for k := range 3 {
			a.Vel[k] = (rng.Float32()*2 - 1) * p.InitialSpeed
		}
		for k := range 3 {
			a.Color[k] = rng.Float32()
		}
	}
	return agents
}
