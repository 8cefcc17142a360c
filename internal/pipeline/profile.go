package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownProfile = errors.New("unknown display profile")

// Transfer is the output encoding curve.
type Transfer int

const (
	TransferLinear Transfer = iota
	TransferSRGB
	TransferGamma
)

// DisplayProfile describes the output colour space of a surface: a 3×3
// matrix from the linear working space (row-major) and a transfer curve.
// Profiles are supplied by the caller; the pipeline does not derive them.
type DisplayProfile struct {
	Name     string     `yaml:"name"`
	Matrix   [9]float64 `yaml:"matrix"`
	Transfer Transfer   `yaml:"transfer"`
	Gamma    float64    `yaml:"gamma"`
}

var identityMatrix = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

var (
	// LinearProfile leaves working-space values untouched.
	LinearProfile = DisplayProfile{Name: "linear", Matrix: identityMatrix, Transfer: TransferLinear}
	// SRGBProfile encodes linear sRGB with the sRGB curve.
	SRGBProfile = DisplayProfile{Name: "srgb", Matrix: identityMatrix, Transfer: TransferSRGB}
	// Gamma22Profile is a plain 1/2.2 power curve.
	Gamma22Profile = DisplayProfile{Name: "gamma22", Matrix: identityMatrix, Transfer: TransferGamma, Gamma: 2.2}
	// DisplayP3Profile converts to Display P3 primaries with the sRGB curve.
	DisplayP3Profile = DisplayProfile{
		Name: "display-p3",
		Matrix: [9]float64{
			0.8224621, 0.1775380, 0.0000000,
			0.0331941, 0.9668058, 0.0000000,
			0.0170827, 0.0723974, 0.9105199,
		},
		Transfer: TransferSRGB,
	}
)

var profiles = map[string]DisplayProfile{
	LinearProfile.Name:    LinearProfile,
	SRGBProfile.Name:      SRGBProfile,
	Gamma22Profile.Name:   Gamma22Profile,
	DisplayP3Profile.Name: DisplayP3Profile,
}

// ProfileByName looks up a built-in profile. The empty name is linear.
func ProfileByName(name string) (DisplayProfile, error) {
	if name == "" {
		return LinearProfile, nil
	}
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return DisplayProfile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// IsIdentity reports whether the display pass would be a no-op.
func (p DisplayProfile) IsIdentity() bool {
	return p.Transfer == TransferLinear && (p.Matrix == identityMatrix || p.Matrix == [9]float64{})
}

func (p DisplayProfile) matrix() [9]float64 {
	if p.Matrix == ([9]float64{}) {
		return identityMatrix
	}
	return p.Matrix
}

// ID identifies the profile in cache keys.
func (p DisplayProfile) ID() string {
	if p.IsIdentity() {
		return LinearProfile.Name
	}
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("custom-%v-%d-%g", p.Matrix, p.Transfer, p.Gamma)
}

func (p DisplayProfile) encode(v float64) float64 {
	switch p.Transfer {
	case TransferSRGB:
		v = min(max(v, 0), 1)
		if v <= 0.0031308 {
			return 12.92 * v
		}
		return 1.055*math.Pow(v, 1/2.4) - 0.055
	case TransferGamma:
		g := p.Gamma
		if g <= 0 {
			g = 2.2
		}
		return math.Pow(min(max(v, 0), 1), 1/g)
	default:
		return v
	}
}
