package render

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/gogpu/shoal/internal/device"
)

// Vec3 is a 3-component float32 vector.
type Vec3 [3]float32

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float32 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cross returns the cross product v x o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Length returns the Euclidean length.
func (v Vec3) Length() float32 { return math32.Sqrt(v.Dot(v)) }

// Normal returns v scaled to unit length, or v if it is zero.
func (v Vec3) Normal() Vec3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return Vec3{v[0] / l, v[1] / l, v[2] / l}
}

// Mat4 is a column-major 4x4 matrix, the layout of mat4x4<f32>.
type Mat4 [16]float32

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{0: 1, 5: 1, 10: 1, 15: 1}
}

// MulVec4 returns m * (x, y, z, w).
func (m Mat4) MulVec4(x, y, z, w float32) [4]float32 {
	return [4]float32{
		m[0]*x + m[4]*y + m[8]*z + m[12]*w,
		m[1]*x + m[5]*y + m[9]*z + m[13]*w,
		m[2]*x + m[6]*y + m[10]*z + m[14]*w,
		m[3]*x + m[7]*y + m[11]*z + m[15]*w,
	}
}

// LookAt returns a right-handed view matrix for an eye at eye looking at
// target.
func LookAt(eye, target, up Vec3) Mat4 {
	f := target.Sub(eye).Normal()
	s := f.Cross(up).Normal()
	u := s.Cross(f)
	return Mat4{
		s[0], u[0], -f[0], 0,
		s[1], u[1], -f[1], 0,
		s[2], u[2], -f[2], 0,
		-s.Dot(eye), -u.Dot(eye), f.Dot(eye), 1,
	}
}

// Perspective returns a right-handed projection with depth mapped to
// [0, 1] and y up in clip space. fovY is in degrees.
func Perspective(fovY, aspect, near, far float32) Mat4 {
	f := 1 / math32.Tan(fovY*math32.Pi/360)
	nf := 1 / (near - far)
	return Mat4{
		0:  f / aspect,
		5:  f,
		10: far * nf,
		11: -1,
		14: near * far * nf,
	}
}

// Camera is the viewpoint for one frame. It is passed by value each tick.
type Camera struct {
	Position Vec3    `toml:"position"`
	Target   Vec3    `toml:"target"`
	Up       Vec3    `toml:"up"`
	FOV      float32 `toml:"fov"`
	Near     float32 `toml:"near"`
	Far      float32 `toml:"far"`
}

// DefaultCamera looks across the unit field from the +x side.
func DefaultCamera() Camera {
	return Camera{
		Position: Vec3{1.2, 0.5, 0.5},
		Target:   Vec3{0.5, 0.5, 0.5},
		Up:       Vec3{0, 1, 0},
		FOV:      45,
		Near:     0.1,
		Far:      10,
	}
}

// ErrInvalidCamera is returned by Camera.Validate.
var ErrInvalidCamera = errors.New("render: invalid camera")

// Validate reports a camera that cannot produce a projection.
func (c Camera) Validate() error {
	switch {
	case c.FOV <= 0 || c.FOV >= 180:
		return fmt.Errorf("%w: fov %v not in (0, 180)", ErrInvalidCamera, c.FOV)
	case c.Near <= 0 || c.Far <= c.Near:
		return fmt.Errorf("%w: near %v far %v", ErrInvalidCamera, c.Near, c.Far)
	case c.Target.Sub(c.Position).Length() == 0:
		return fmt.Errorf("%w: position equals target", ErrInvalidCamera)
	case c.Up.Length() == 0 || c.Target.Sub(c.Position).Cross(c.Up).Length() == 0:
		return fmt.Errorf("%w: up is zero or parallel to the view direction", ErrInvalidCamera)
	}
	return nil
}

// View returns the view matrix.
func (c Camera) View() Mat4 { return LookAt(c.Position, c.Target, c.Up) }

// Projection returns the projection matrix for a target of the given
// aspect ratio (width / height).
func (c Camera) Projection(aspect float32) Mat4 {
	return Perspective(c.FOV, aspect, c.Near, c.Far)
}

// Bytes returns the camera uniform: view followed by projection.
func (c Camera) Bytes(aspect float32) []byte {
	b := make([]byte, device.CameraUniformSize)
	view, proj := c.View(), c.Projection(aspect)
	for i, v := range view {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	for i, v := range proj {
		binary.LittleEndian.PutUint32(b[64+i*4:], math.Float32bits(v))
	}
	return b
}
