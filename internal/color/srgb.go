// Package color converts between the sRGB encoding used by fish textures
// and surface images and the linear values shading is done in.
//
// Decoding is a 256-entry table. Encoding uses a 12-bit table on the
// rasterizer hot path and the exact transfer function elsewhere.
package color

import (
	"image/color"
	"math"
)

var (
	decodeLUT [256]float32
	encodeLUT [4096]uint8
)

func init() {
	for i := range decodeLUT {
		decodeLUT[i] = float32(toLinear(float64(i) / 255))
	}
	for i := range encodeLUT {
		encodeLUT[i] = quantize(fromLinear(float64(i) / 4095))
	}
}

func toLinear(s float64) float64 {
	if s <= 0.04045 {
		return s / 12.92
	}
	return math.Pow((s+0.055)/1.055, 2.4)
}

func fromLinear(l float64) float64 {
	if l <= 0.0031308 {
		return l * 12.92
	}
	return 1.055*math.Pow(l, 1/2.4) - 0.055
}

func quantize(v float64) uint8 {
	switch {
	case !(v > 0):
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Decode returns the linear value of an sRGB-encoded channel.
func Decode(s uint8) float32 { return decodeLUT[s] }

// Encode returns the sRGB encoding of a linear channel, clamped to [0,1].
func Encode(l float32) uint8 {
	switch {
	case !(l > 0):
		return 0
	case l >= 1:
		return 255
	}
	return encodeLUT[int(l*4095+0.5)]
}

// EncodeExact is Encode without table quantization.
func EncodeExact(l float32) uint8 {
	switch {
	case !(l > 0):
		return 0
	case l >= 1:
		return 255
	}
	return quantize(fromLinear(float64(l)))
}

// RGBA encodes a linear clear colour the way an sRGB render target stores
// it. Alpha is linear.
func RGBA(c [4]float32) color.RGBA {
	return color.RGBA{
		R: EncodeExact(c[0]),
		G: EncodeExact(c[1]),
		B: EncodeExact(c[2]),
		A: quantize(float64(c[3])),
	}
}

// Shade modulates an sRGB texel by a linear tint and interpolated vertex
// colour and returns the encoded result.
func Shade(texel [3]uint8, tint, vc [3]float32) [3]uint8 {
	var out [3]uint8
	for k := range out {
		out[k] = Encode(Decode(texel[k]) * tint[k] * vc[k])
	}
	return out
}
