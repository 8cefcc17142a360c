package pipeline

import _ "embed"

//go:embed shaders/white_balance.wgsl
var whiteBalanceShaderWGSL string

//go:embed shaders/tone.wgsl
var toneShaderWGSL string

//go:embed shaders/color.wgsl
var colorShaderWGSL string

//go:embed shaders/display.wgsl
var displayShaderWGSL string

// ShaderSources maps each program name to its WGSL source.
func ShaderSources() map[string]string {
	return map[string]string{
		ProgramWhiteBalance: whiteBalanceShaderWGSL,
		ProgramTone:         toneShaderWGSL,
		ProgramColor:        colorShaderWGSL,
		ProgramDisplay:      displayShaderWGSL,
	}
}
