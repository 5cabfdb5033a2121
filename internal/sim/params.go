package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ParamsSize is the uniform buffer size of Params: nine f32 padded to a
// 16-byte multiple.
const ParamsSize = 48

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("sim: invalid parameters")

// Params holds the tunable flocking coefficients. Field order matches the
// device uniform layout.
type Params struct {
	MaxSpeed           float32 `toml:"max_speed"`
	Attraction         float32 `toml:"attraction"`
	WallAvoidance      float32 `toml:"wall_avoidance"`
	AttractionDistance float32 `toml:"attraction_distance"`
	AlignmentDistance  float32 `toml:"alignment_distance"`
	Alignment          float32 `toml:"alignment"`
	AvoidanceDistance  float32 `toml:"avoidance_distance"`
	Avoidance          float32 `toml:"avoidance"`
	VortexForce        float32 `toml:"vortex_force"`
}

// DefaultParams returns the coefficients the simulation was tuned with.
func DefaultParams() Params {
	return Params{
		MaxSpeed:           0.0018,
		Attraction:         0.00042,
		WallAvoidance:      0.00002,
		AttractionDistance: 0.05,
		AlignmentDistance:  0.05,
		Alignment:          0.0036,
		AvoidanceDistance:  0.015,
		Avoidance:          0.0002,
		VortexForce:        0,
	}
}

func (p Params) fields() [9]float32 {
	return [9]float32{
		p.MaxSpeed, p.Attraction, p.WallAvoidance,
		p.AttractionDistance, p.AlignmentDistance, p.Alignment,
		p.AvoidanceDistance, p.Avoidance, p.VortexForce,
	}
}

// Bytes returns the uniform buffer encoding of p.
func (p Params) Bytes() []byte {
	b := make([]byte, ParamsSize)
	for i, v := range p.fields() {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// ParamsFromBytes decodes a uniform buffer written by Params.Bytes.
func ParamsFromBytes(b []byte) (Params, error) {
	if len(b) < 36 {
		return Params{}, fmt.Errorf("sim: params buffer is %d bytes", len(b))
	}
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])) }
	return Params{
		MaxSpeed: f(0), Attraction: f(1), WallAvoidance: f(2),
		AttractionDistance: f(3), AlignmentDistance: f(4), Alignment: f(5),
		AvoidanceDistance: f(6), Avoidance: f(7), VortexForce: f(8),
	}, nil
}

// Validate rejects non-finite coefficients and negative speeds or radii.
func (p Params) Validate() error {
	for i, v := range p.fields() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: field %d is %v", ErrInvalidParams, i, v)
		}
	}
	switch {
	case p.MaxSpeed < 0:
		return fmt.Errorf("%w: max_speed %v < 0", ErrInvalidParams, p.MaxSpeed)
	case p.AttractionDistance < 0, p.AlignmentDistance < 0, p.AvoidanceDistance < 0:
		return fmt.Errorf("%w: negative interaction distance", ErrInvalidParams)
	}
	return nil
}

// Radius returns the largest interaction distance.
func (p Params) Radius() float32 {
	return max(p.AttractionDistance, p.AlignmentDistance, p.AvoidanceDistance)
}
