package sim

import (
	"errors"
	"math"
	"testing"
)

func TestParamsBytes(t *testing.T) {
	p := DefaultParams()
	b := p.Bytes()
	if len(b) != ParamsSize {
		t.Fatalf("len(Bytes()) = %d, want %d", len(b), ParamsSize)
	}
	// MaxSpeed comes first and VortexForce ninth.
	if got := math.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24); got != p.MaxSpeed {
		t.Errorf("word 0 = %v, want MaxSpeed %v", got, p.MaxSpeed)
	}
	for _, v := range b[36:] {
		if v != 0 {
			t.Fatal("padding after the ninth coefficient is not zero")
		}
	}

	got, err := ParamsFromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("ParamsFromBytes = %+v, want %+v", got, p)
	}
	if _, err := ParamsFromBytes(b[:20]); err == nil {
		t.Error("ParamsFromBytes of a short buffer succeeded")
	}
}

func TestParamsValidate(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"defaults", DefaultParams(), true},
		{"zero", Params{}, true},
		{"nan", Params{Attraction: nan}, false},
		{"inf", Params{VortexForce: float32(math.Inf(1))}, false},
		{"negative speed", Params{MaxSpeed: -1}, false},
		{"negative radius", Params{AvoidanceDistance: -0.1}, false},
		{"negative coefficient", Params{Avoidance: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestParamsRadius(t *testing.T) {
	p := Params{AttractionDistance: 0.05, AlignmentDistance: 0.07, AvoidanceDistance: 0.01}
	if got := p.Radius(); got != 0.07 {
		t.Errorf("Radius() = %v, want 0.07", got)
	}
}
