package sim

import (
	"github.com/chewxy/math32"

	"github.com/gogpu/shoal/internal/parallel"
)

// wallMargin is the distance from a field face at which wall avoidance
// starts pushing agents back.
const wallMargin = 0.1

// maxGridCells bounds the neighbour grid resolution per axis.
const maxGridCells = 64

// Stepper is the CPU reference flocking kernel. It produces the next agent
// state from the previous one exactly as the compute shader does, using a
// uniform grid so each agent only visits nearby agents.
//
// A Stepper reuses its grid storage between steps and must not be used from
// more than one goroutine at a time.
type Stepper struct {
	pool *parallel.WorkerPool

	cells   int
	cellOf  []int32
	starts  []int32
	indices []int32
}

// NewStepper returns a stepper that parallelizes over pool.
func NewStepper(pool *parallel.WorkerPool) *Stepper {
	return &Stepper{pool: pool}
}

// Step writes into dst the state following src under p. dst and src must
// have the same length and must not alias.
func (s *Stepper) Step(dst, src []Agent, p Params) {
	radius := p.Radius()
	if radius > 0 {
		s.buildGrid(src, radius)
	}
	s.pool.For(len(src), GroupSize, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = s.update(src, i, p, radius)
		}
	})
}

func (s *Stepper) cellCoord(v float32) int {
	c := int(math32.Floor(v * float32(s.cells)))
	return min(max(c, 0), s.cells-1)
}

// buildGrid counting-sorts agent indices by cell. Positions outside the unit
// field are clamped into the border cells, which keeps every pair closer
// than radius in the same or adjacent cells.
func (s *Stepper) buildGrid(src []Agent, radius float32) {
	s.cells = min(max(int(1/radius), 1), maxGridCells)
	total := s.cells * s.cells * s.cells

	s.cellOf = grow(s.cellOf, len(src))
	s.indices = grow(s.indices, len(src))
	s.starts = grow(s.starts, total+1)
	clear(s.starts)

	for i := range src {
		c := s.cellIndex(s.cellCoord(src[i].Pos[0]), s.cellCoord(src[i].Pos[1]), s.cellCoord(src[i].Pos[2]))
		s.cellOf[i] = int32(c)
		s.starts[c+1]++
	}
	for c := 1; c <= total; c++ {
		s.starts[c] += s.starts[c-1]
	}
	fill := make([]int32, total)
	for i := range src {
		c := s.cellOf[i]
		s.indices[s.starts[c]+fill[c]] = int32(i)
		fill[c]++
	}
}

func (s *Stepper) cellIndex(x, y, z int) int {
	return (z*s.cells+y)*s.cells + x
}

func (s *Stepper) update(src []Agent, i int, p Params, radius float32) Agent {
	a := src[i]
	var acc [3]float32

	if radius > 0 {
		var sumPos, sumVel, avoid [3]float32
		var nAttr, nAlign float32
		attr2 := p.AttractionDistance * p.AttractionDistance
		align2 := p.AlignmentDistance * p.AlignmentDistance
		avoid2 := p.AvoidanceDistance * p.AvoidanceDistance

		cx, cy, cz := s.cellCoord(a.Pos[0]), s.cellCoord(a.Pos[1]), s.cellCoord(a.Pos[2])
		for z := max(cz-1, 0); z <= min(cz+1, s.cells-1); z++ {
			for y := max(cy-1, 0); y <= min(cy+1, s.cells-1); y++ {
				for x := max(cx-1, 0); x <= min(cx+1, s.cells-1); x++ {
					c := s.cellIndex(x, y, z)
					for _, j := range s.indices[s.starts[c]:s.starts[c+1]] {
						if int(j) == i {
							continue
						}
						b := &src[j]
						d := sub(b.Pos, a.Pos)
						dist2 := dot(d, d)
						if dist2 < attr2 {
							sumPos = add(sumPos, b.Pos)
							nAttr++
						}
						if dist2 < align2 {
							sumVel = add(sumVel, b.Vel)
							nAlign++
						}
						if dist2 < avoid2 && dist2 > 0 {
							dist := math32.Sqrt(dist2)
							w := (p.AvoidanceDistance - dist) / p.AvoidanceDistance
							avoid = sub(avoid, scale(d, w/dist))
						}
					}
				}
			}
		}
		if nAttr > 0 {
			acc = add(acc, scale(sub(scale(sumPos, 1/nAttr), a.Pos), p.Attraction))
		}
		if nAlign > 0 {
			acc = add(acc, scale(sub(scale(sumVel, 1/nAlign), a.Vel), p.Alignment))
		}
		acc = add(acc, scale(avoid, p.Avoidance))
	}

	acc = add(acc, scale(wallForce(a.Pos), p.WallAvoidance))
	acc = add(acc, scale(vortexForce(a.Pos), p.VortexForce))

	vel := add(a.Vel, acc)
	if speed := math32.Sqrt(dot(vel, vel)); speed > p.MaxSpeed {
		vel = scale(vel, p.MaxSpeed/speed)
	}
	a.Vel = vel
	a.Pos = add(a.Pos, vel)
	return a
}

// wallForce pushes agents back into the unit field when they come within
// wallMargin of a face.
func wallForce(pos [3]float32) [3]float32 {
	var f [3]float32
	for k, v := range pos {
		switch {
		case v < wallMargin:
			f[k] = (wallMargin - v) / wallMargin
		case v > 1-wallMargin:
			f[k] = -(v - (1 - wallMargin)) / wallMargin
		}
	}
	return f
}

// vortexForce is tangential around the vertical axis through the field
// centre.
func vortexForce(pos [3]float32) [3]float32 {
	return [3]float32{-(pos[2] - 0.5), 0, pos[0] - 0.5}
}

func add(a, b [3]float32) [3]float32 { return [3]float32{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func sub(a, b [3]float32) [3]float32 { return [3]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func dot(a, b [3]float32) float32    { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func scale(a [3]float32, s float32) [3]float32 {
	return [3]float32{a[0] * s, a[1] * s, a[2] * s}
}

func grow(s []int32, n int) []int32 {
	if cap(s) < n {
		return make([]int32, n)
	}
	return s[:n]
}
