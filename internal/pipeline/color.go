package pipeline

import "math"

// Rec.709 luminance weights for linear sRGB primaries.
const (
	lumR = 0.2126
	lumG = 0.7152
	lumB = 0.0722
)

func luminance(r, g, b float64) float64 {
	return lumR*r + lumG*g + lumB*b
}

func smoothstep(e0, e1, x float64) float64 {
	t := min(max((x-e0)/(e1-e0), 0), 1)
	return t * t * (3 - 2*t)
}

// linearToOklab converts linear sRGB to Oklab.
func linearToOklab(r, g, b float64) (L, A, B float64) {
	l := math.Cbrt(0.4122214708*r + 0.5363325363*g + 0.0514459929*b)
	m := math.Cbrt(0.2119034982*r + 0.6806995451*g + 0.1073969566*b)
	s := math.Cbrt(0.0883024619*r + 0.2817188376*g + 0.6299787005*b)

	L = 0.2104542553*l + 0.7936177850*m - 0.0040720468*s
	A = 1.9779984951*l - 2.4285922050*m + 0.4505937099*s
	B = 0.0259040371*l + 0.7827717662*m - 0.8086757660*s
	return
}

// oklabToLinear is the inverse of linearToOklab.
func oklabToLinear(L, A, B float64) (r, g, b float64) {
	l := L + 0.3963377774*A + 0.2158037573*B
	m := L - 0.1055613458*A - 0.0638541728*B
	s := L - 0.0894841775*A - 1.2914855480*B
	l, m, s = l*l*l, m*m*m, s*s*s

	r = 4.0767416621*l - 3.3077115913*m + 0.2309699292*s
	g = -1.2684380046*l + 2.6097574011*m - 0.3413193965*s
	b = -0.0041960863*l - 0.7034186147*m + 1.7076147010*s
	return
}

// Chroma is the Oklab chroma of a linear sRGB colour.
func Chroma(r, g, b float64) float64 {
	_, A, B := linearToOklab(r, g, b)
	return math.Hypot(A, B)
}

// Oklab hue angles (degrees) where skin tones cluster.
const (
	skinHue   = 50.0
	skinWidth = 30.0
)

// skinWeight is 1 at the centre of the skin hue band, falling to 0 at
// skinWidth degrees away.
func skinWeight(hueDeg float64) float64 {
	d := math.Abs(hueDeg - skinHue)
	if d > 180 {
		d = 360 - d
	}
	if d >= skinWidth {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*d/skinWidth))
}
