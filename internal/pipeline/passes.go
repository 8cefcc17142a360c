package pipeline

import (
	"math"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/gpu"
)

// Program names, in execution order.
const (
	ProgramWhiteBalance = "white_balance"
	ProgramTone         = "tone"
	ProgramColor        = "color"
	ProgramDisplay      = "display"
)

// Tuning constants for the tone and colour passes.
const (
	tempStops      = 0.5  // stops of red/blue gain at temperature ±100
	tintStops      = 0.3  // stops of green gain at tint ±100
	regionStrength = 0.5  // max highlight/shadow gain change at ±100
	blackRange     = 0.1  // black point shift at blacks ±100
	whiteRange     = 0.5  // white point shift at whites ±100
	chromaMax      = 0.32 // Oklab chroma treated as fully saturated
	skinProtection = 0.8  // fraction of vibrance removed at the skin hue centre
)

// Passes builds the ordered pass list for snap. Passes whose parameters are
// at identity are left out, so the default snapshot with a linear profile
// yields no passes at all.
func Passes(snap edit.Snapshot, profile DisplayProfile) []gpu.Pass {
	p := snap.Params()
	var passes []gpu.Pass

	if p.Temperature != 0 || p.Tint != 0 {
		passes = append(passes, whiteBalancePass(p.Temperature, p.Tint))
	}
	if p.Exposure != 0 || p.Contrast != 0 || p.Highlights != 0 ||
		p.Shadows != 0 || p.Whites != 0 || p.Blacks != 0 {
		passes = append(passes, tonePass(p))
	}
	if p.Saturation != 0 || p.Vibrance != 0 {
		passes = append(passes, colorPass(p.Saturation, p.Vibrance))
	}
	if !profile.IsIdentity() {
		passes = append(passes, displayPass(profile))
	}
	return passes
}

// whiteBalanceGains maps temperature/tint to diagonal gains normalised to
// unit luminance gain.
func whiteBalanceGains(temperature, tint float64) (r, g, b float64) {
	t, m := temperature/100, tint/100
	r = math.Exp2(tempStops * t)
	b = math.Exp2(-tempStops * t)
	g = math.Exp2(-tintStops * m)
	norm := luminance(r, g, b)
	return r / norm, g / norm, b / norm
}

func whiteBalancePass(temperature, tint float64) gpu.Pass {
	r, g, b := whiteBalanceGains(temperature, tint)
	gr, gg, gb := float32(r), float32(g), float32(b)
	return gpu.Pass{
		Program:  ProgramWhiteBalance,
		Uniforms: []float32{gr, gg, gb, 0},
		Kernel: func(pix []float32) {
			for i := 0; i+2 < len(pix); i += 3 {
				pix[i] *= gr
				pix[i+1] *= gg
				pix[i+2] *= gb
			}
		},
	}
}

type toneParams struct {
	gain       float64
	highlights float64
	shadows    float64
	contrast   float64
	black      float64
	white      float64
}

func newToneParams(p edit.Params) toneParams {
	return toneParams{
		gain:       math.Exp2(p.Exposure),
		highlights: p.Highlights / 100,
		shadows:    p.Shadows / 100,
		contrast:   p.Contrast / 100,
		black:      -blackRange * p.Blacks / 100,
		white:      1 - whiteRange*p.Whites/100,
	}
}

// sCurve bends x in [0,1] toward smoothstep by strength in [-1,1]; values
// outside [0,1] pass through.
func sCurve(x, strength float64) float64 {
	if x <= 0 || x >= 1 {
		return x
	}
	s := x * x * (3 - 2*x)
	return x + strength*(s-x)
}

func (t toneParams) apply(r, g, b float64) (float64, float64, float64) {
	if t.gain != 1 {
		r, g, b = r*t.gain, g*t.gain, b*t.gain
	}
	if t.highlights != 0 || t.shadows != 0 {
		l := luminance(r, g, b)
		k := 1 + regionStrength*t.highlights*smoothstep(0.5, 1, l) +
			regionStrength*t.shadows*(1-smoothstep(0, 0.5, l))
		k = max(k, 0)
		r, g, b = r*k, g*k, b*k
	}
	if t.contrast != 0 {
		// applied on luminance so hue is preserved
		if l := luminance(r, g, b); l > 1e-6 {
			k := sCurve(l, t.contrast) / l
			r, g, b = r*k, g*k, b*k
		}
	}
	if t.black != 0 || t.white != 1 {
		inv := 1 / (t.white - t.black)
		r, g, b = (r-t.black)*inv, (g-t.black)*inv, (b-t.black)*inv
	}
	return r, g, b
}

func tonePass(p edit.Params) gpu.Pass {
	t := newToneParams(p)
	return gpu.Pass{
		Program: ProgramTone,
		Uniforms: []float32{
			float32(t.gain), float32(t.highlights), float32(t.shadows), float32(t.contrast),
			float32(t.black), float32(t.white), 0, 0,
		},
		Kernel: func(pix []float32) {
			for i := 0; i+2 < len(pix); i += 3 {
				r, g, b := t.apply(float64(pix[i]), float64(pix[i+1]), float64(pix[i+2]))
				pix[i], pix[i+1], pix[i+2] = float32(r), float32(g), float32(b)
			}
		},
	}
}

type colorParams struct {
	saturation float64 // chroma scale
	vibrance   float64 // -1..1
}

func (c colorParams) apply(r, g, b float64) (float64, float64, float64) {
	L, A, B := linearToOklab(r, g, b)
	scale := c.saturation
	if c.vibrance != 0 {
		if chroma := math.Hypot(A, B); chroma > 0 {
			w := 1 - min(chroma/chromaMax, 1)
			if c.vibrance > 0 {
				hue := math.Atan2(B, A) * 180 / math.Pi
				w *= 1 - skinProtection*skinWeight(hue)
			}
			scale *= 1 + c.vibrance*w
		}
	}
	scale = max(scale, 0)
	return oklabToLinear(L, A*scale, B*scale)
}

func colorPass(saturation, vibrance float64) gpu.Pass {
	c := colorParams{saturation: 1 + saturation/100, vibrance: vibrance / 100}
	return gpu.Pass{
		Program:  ProgramColor,
		Uniforms: []float32{float32(c.saturation), float32(c.vibrance), chromaMax, skinProtection},
		Kernel: func(pix []float32) {
			for i := 0; i+2 < len(pix); i += 3 {
				r, g, b := c.apply(float64(pix[i]), float64(pix[i+1]), float64(pix[i+2]))
				pix[i], pix[i+1], pix[i+2] = float32(r), float32(g), float32(b)
			}
		},
	}
}

func displayPass(profile DisplayProfile) gpu.Pass {
	m := profile.matrix()
	uniforms := make([]float32, 0, 16)
	for row := 0; row < 3; row++ {
		uniforms = append(uniforms, float32(m[row*3]), float32(m[row*3+1]), float32(m[row*3+2]), 0)
	}
	clamp := float32(0)
	if profile.Transfer != TransferLinear {
		clamp = 1
	}
	uniforms = append(uniforms, float32(profile.Transfer), float32(profile.Gamma), clamp, 0)

	return gpu.Pass{
		Program:  ProgramDisplay,
		Uniforms: uniforms,
		Kernel: func(pix []float32) {
			for i := 0; i+2 < len(pix); i += 3 {
				r, g, b := float64(pix[i]), float64(pix[i+1]), float64(pix[i+2])
				pix[i] = float32(profile.encode(m[0]*r + m[1]*g + m[2]*b))
				pix[i+1] = float32(profile.encode(m[3]*r + m[4]*g + m[5]*b))
				pix[i+2] = float32(profile.encode(m[6]*r + m[7]*g + m[8]*b))
			}
		},
	}
}
