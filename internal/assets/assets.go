// Package assets supplies the mesh and texture the render stage draws each
// fish with.
package assets

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // register decoders for LoadTexture
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gogpu/shoal/internal/device"
)

// ErrEmptyTexture is returned by LoadTexture for zero-sized images.
var ErrEmptyTexture = errors.New("assets: empty texture")

// DefaultTextureSize is the edge length of the generated fish texture.
const DefaultTextureSize = 64

// Quad returns the fish mesh: a narrow quad whose +Y end is the head. UV v
// runs from 0 at the head to 1 at the tail.
func Quad() device.Mesh {
	white := [3]float32{1, 1, 1}
	return device.Mesh{
		Vertices: []device.Vertex{
			{Pos: [2]float32{-0.12, -0.5}, Color: white, UV: [2]float32{0, 1}},
			{Pos: [2]float32{0.12, -0.5}, Color: white, UV: [2]float32{1, 1}},
			{Pos: [2]float32{0.12, 0.5}, Color: white, UV: [2]float32{1, 0}},
			{Pos: [2]float32{-0.12, 0.5}, Color: white, UV: [2]float32{0, 0}},
		},
		Indices: []uint16{0, 1, 2, 2, 3, 0},
	}
}

// insideFish reports whether texture coordinate (u, v) lies on the fish
// silhouette: an elliptical body and a triangular tail fin.
func insideFish(u, v float32) bool {
	bx, by := (u-0.5)/0.45, (v-0.4)/0.38
	if bx*bx+by*by <= 1 {
		return true
	}
	t := v - 0.72
	du := u - 0.5
	if du < 0 {
		du = -du
	}
	return t >= 0 && t <= 0.26 && du <= t*1.4
}

// FishTexture generates a size x size fish texture: opaque grey-scale body
// shading inside the silhouette, transparent elsewhere. The renderer tints
// it with each agent's colour.
func FishTexture(size int) *image.RGBA {
	if size <= 0 {
		size = DefaultTextureSize
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		v := (float32(y) + 0.5) / float32(size)
		for x := range size {
			u := (float32(x) + 0.5) / float32(size)
			if !insideFish(u, v) {
				continue
			}
			// Lighter along the spine, darker towards the flanks.
			d := u - 0.5
			shade := uint8(255 - min(int(d*d*800), 90))
			img.SetRGBA(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	return img
}

// LoadTexture decodes a PNG, JPEG, BMP, TIFF or WebP file into RGBA.
func LoadTexture(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("assets: open texture: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("assets: decode %s: %w", path, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrEmptyTexture, path, format)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}
