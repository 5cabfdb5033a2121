//go:build !nogpu

package gpu

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/boids.wgsl
var boidsShaderSource string

//go:embed shaders/fish.wgsl
var fishShaderSource string

// compileSPIRV compiles WGSL to SPIR-V words. SPIR-V is little-endian
// 32-bit words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func (d *Device) createShader(label, wgsl string) (hal.ShaderModule, error) {
	words, err := compileSPIRV(wgsl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
}
