package edit

import (
	"errors"
	"fmt"
	"strings"
)

// ParamID identifies one of the ten adjustment parameters. The numeric order
// is the fixed schema order used for hashing and persistence.
type ParamID uint8

const (
	Exposure ParamID = iota
	Contrast
	Highlights
	Shadows
	Whites
	Blacks
	Temperature
	Tint
	Saturation
	Vibrance

	NumParams = 10
)

var ErrUnknownParam = errors.New("unknown edit parameter")

var paramNames = [NumParams]string{
	"exposure", "contrast", "highlights", "shadows", "whites",
	"blacks", "temperature", "tint", "saturation", "vibrance",
}

func (p ParamID) String() string {
	if int(p) < NumParams {
		return paramNames[p]
	}
	return fmt.Sprintf("param(%d)", uint8(p))
}

// ParseParam maps a parameter name to its ID (case-insensitive).
func ParseParam(name string) (ParamID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range paramNames {
		if n == name {
			return ParamID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownParam, name)
}

// AllParams returns the parameters in schema order.
func AllParams() []ParamID {
	ids := make([]ParamID, NumParams)
	for i := range ids {
		ids[i] = ParamID(i)
	}
	return ids
}

// Bounds is the valid numeric range of a parameter.
type Bounds struct {
	Min, Max float64
}

func (b Bounds) Clamp(v float64) float64 {
	return min(max(v, b.Min), b.Max)
}

// Range returns the bounds of p. Exposure is in stops, everything else is a
// signed percentage.
func Range(p ParamID) Bounds {
	if p == Exposure {
		return Bounds{Min: -5, Max: 5}
	}
	return Bounds{Min: -100, Max: 100}
}

// Params is the raw, mutable parameter set. Use NewSnapshot to obtain the
// canonical immutable form.
type Params struct {
	Exposure    float64 `json:"exposure" yaml:"exposure"`
	Contrast    float64 `json:"contrast" yaml:"contrast"`
	Highlights  float64 `json:"highlights" yaml:"highlights"`
	Shadows     float64 `json:"shadows" yaml:"shadows"`
	Whites      float64 `json:"whites" yaml:"whites"`
	Blacks      float64 `json:"blacks" yaml:"blacks"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Tint        float64 `json:"tint" yaml:"tint"`
	Saturation  float64 `json:"saturation" yaml:"saturation"`
	Vibrance    float64 `json:"vibrance" yaml:"vibrance"`
}

// Get returns the value of p.
func (ps Params) Get(p ParamID) float64 {
	return *ps.field(p)
}

// Set returns a copy of ps with p set to v (unclamped).
func (ps Params) Set(p ParamID, v float64) Params {
	*ps.field(p) = v
	return ps
}

func (ps *Params) field(p ParamID) *float64 {
	switch p {
	case Exposure:
		return &ps.Exposure
	case Contrast:
		return &ps.Contrast
	case Highlights:
		return &ps.Highlights
	case Shadows:
		return &ps.Shadows
	case Whites:
		return &ps.Whites
	case Blacks:
		return &ps.Blacks
	case Temperature:
		return &ps.Temperature
	case Tint:
		return &ps.Tint
	case Saturation:
		return &ps.Saturation
	case Vibrance:
		return &ps.Vibrance
	}
	panic(fmt.Sprintf("edit: invalid param id %d", p))
}

// Values returns the parameters in schema order.
func (ps Params) Values() [NumParams]float64 {
	var out [NumParams]float64
	for i := range out {
		out[i] = ps.Get(ParamID(i))
	}
	return out
}

// Validate reports the first out-of-range parameter.
func (ps Params) Validate() error {
	for _, id := range AllParams() {
		v := ps.Get(id)
		b := Range(id)
		if v < b.Min || v > b.Max || v != v {
			return fmt.Errorf("%s=%v out of range [%v, %v]", id, v, b.Min, b.Max)
		}
	}
	return nil
}
