package soft

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/chewxy/math32"

	srgb "github.com/gogpu/shoal/internal/color"
)

// mat4 is a column-major 4x4 matrix as laid out in a uniform buffer.
type mat4 [16]float32

func mat4At(b []byte) mat4 {
	var m mat4
	for i := range m {
		m[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return m
}

func (m *mat4) mulVec4(x, y, z, w float32) [4]float32 {
	return [4]float32{
		m[0]*x + m[4]*y + m[8]*z + m[12]*w,
		m[1]*x + m[5]*y + m[9]*z + m[13]*w,
		m[2]*x + m[6]*y + m[10]*z + m[14]*w,
		m[3]*x + m[7]*y + m[11]*z + m[15]*w,
	}
}

// minClipW rejects vertices at or behind the eye.
const minClipW = 1e-6

// screenVertex is a post-viewport vertex. Attributes are premultiplied by
// invW for perspective-correct interpolation.
type screenVertex struct {
	x, y, z float32
	invW    float32
	u, v    float32
	rgb     [3]float32
}

// triangle is one rasterizable primitive with its instance colour.
type triangle struct {
	v     [3]screenVertex
	tint  [3]float32
	area  float32
	bound image.Rectangle
}

func edge(a, b *screenVertex, px, py float32) float32 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

// setup computes the signed area and pixel bounds. It reports false for
// degenerate triangles.
func (t *triangle) setup() bool {
	t.area = edge(&t.v[0], &t.v[1], t.v[2].x, t.v[2].y)
	if t.area == 0 || math32.IsNaN(t.area) {
		return false
	}
	minX := min(t.v[0].x, t.v[1].x, t.v[2].x)
	minY := min(t.v[0].y, t.v[1].y, t.v[2].y)
	maxX := max(t.v[0].x, t.v[1].x, t.v[2].x)
	maxY := max(t.v[0].y, t.v[1].y, t.v[2].y)
	t.bound = image.Rect(
		int(math32.Floor(minX)), int(math32.Floor(minY)),
		int(math32.Ceil(maxX))+1, int(math32.Ceil(maxY))+1,
	)
	return true
}

// texture is a nearest-sampled RGBA texture with clamp-to-edge addressing.
type texture struct {
	img  *image.RGBA
	w, h int
}

func (tx *texture) sample(u, v float32) (r, g, b, a uint8) {
	x := min(max(int(u*float32(tx.w)), 0), tx.w-1)
	y := min(max(int(v*float32(tx.h)), 0), tx.h-1)
	i := tx.img.PixOffset(tx.img.Rect.Min.X+x, tx.img.Rect.Min.Y+y)
	p := tx.img.Pix[i : i+4 : i+4]
	return p[0], p[1], p[2], p[3]
}

// alphaCutoff is the texel alpha below which fragments are discarded.
const alphaCutoff = 128

// rasterize draws t into the part of target covered by clip with a
// less-than depth test against depth, which is laid out row-major over the
// full target.
func rasterize(t *triangle, clip image.Rectangle, target *image.RGBA, depth []float32, tex *texture) {
	r := clip.Intersect(t.bound)
	if r.Empty() {
		return
	}
	width := target.Rect.Dx()
	inv := 1 / t.area
	v0, v1, v2 := &t.v[0], &t.v[1], &t.v[2]

	for py := r.Min.Y; py < r.Max.Y; py++ {
		cy := float32(py) + 0.5
		for px := r.Min.X; px < r.Max.X; px++ {
			cx := float32(px) + 0.5
			w0 := edge(v1, v2, cx, cy) * inv
			w1 := edge(v2, v0, cx, cy) * inv
			w2 := edge(v0, v1, cx, cy) * inv
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			z := w0*v0.z + w1*v1.z + w2*v2.z
			if z < 0 || z > 1 {
				continue
			}
			di := py*width + px
			if !(z < depth[di]) {
				continue
			}

			iw := w0*v0.invW + w1*v1.invW + w2*v2.invW
			if iw <= 0 {
				continue
			}
			persp := 1 / iw
			u := (w0*v0.u + w1*v1.u + w2*v2.u) * persp
			v := (w0*v0.v + w1*v1.v + w2*v2.v) * persp
			tr, tg, tb, ta := tex.sample(u, v)
			if ta < alphaCutoff {
				continue
			}

			var vc [3]float32
			for k := range vc {
				vc[k] = (w0*v0.rgb[k] + w1*v1.rgb[k] + w2*v2.rgb[k]) * persp
			}
			rgb := srgb.Shade([3]uint8{tr, tg, tb}, t.tint, vc)

			depth[di] = z
			o := target.PixOffset(target.Rect.Min.X+px, target.Rect.Min.Y+py)
			pix := target.Pix[o : o+4 : o+4]
			pix[0] = rgb[0]
			pix[1] = rgb[1]
			pix[2] = rgb[2]
			pix[3] = 255
		}
	}
}
