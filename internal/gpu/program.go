package gpu

import (
	"fmt"

	"github.com/gogpu/naga"
)

// Program is a compute shader registered with the Context. SPIRV is nil when
// shader compilation is disabled or failed; the software device only needs
// the pass kernel.
type Program struct {
	Name  string
	WGSL  string
	SPIRV []uint32
	Err   error
}

// Ready reports whether the program has a SPIR-V module.
func (p *Program) Ready() bool { return p != nil && len(p.SPIRV) > 0 }

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile WGSL: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile WGSL: SPIR-V length %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}
