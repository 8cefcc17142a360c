// Package viewport maps between screen pixels and image-space coordinates.
//
// Conventions: zoom is screen pixels per image pixel. Pan is the offset, in
// image-space units, of the view centre from the image centre, so the image
// point shown at the centre of the screen is imageCentre + pan.
//
//	image = imageCentre + pan + (screen - screenCentre) / zoom
//	screen = screenCentre + (image - imageCentre - pan) * zoom
package viewport

import (
	"math"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

const (
	MinZoom = 0.10
	MaxZoom = 10.00

	// zoomStep scales one unit of wheel delta.
	zoomStep = 0.8
)

// Point is a 2D coordinate in either screen or image space.
type Point struct {
	X, Y float64
}

func (p Point) Add(o Point) Point { return Point{p.X + o.X, p.Y + o.Y} }

func (p Point) Sub(o Point) Point { return Point{p.X - o.X, p.Y - o.Y} }

func (p Point) Scale(f float64) Point { return Point{p.X * f, p.Y * f} }

func (p Point) Dist(o Point) float64 { return math.Hypot(p.X-o.X, p.Y-o.Y) }

func (p Point) Finite() bool { return finite(p.X) && finite(p.Y) }

// ClampZoom limits z to [MinZoom, MaxZoom].
func ClampZoom(z float64) float64 { return min(max(z, MinZoom), MaxZoom) }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func pt(x, y int) Point { return Point{float64(x), float64(y)} }

func half(r types.Resolution) Point {
	return Point{float64(r.Width) / 2, float64(r.Height) / 2}
}

// State is the UI-owned viewport state. Never persisted.
type State struct {
	Zoom   float64
	Pan    Point
	Anchor Point // screen point of the last zoom-to-cursor
}

// Mapper holds the viewport state for one image on one surface.
type Mapper struct {
	image  types.Resolution
	screen types.Resolution
	state  State
}

// New creates a mapper reset to fit-to-window.
func New(image, screen types.Resolution) *Mapper {
	m := &Mapper{image: image, screen: screen}
	m.Reset()
	return m
}

func (m *Mapper) State() State { return m.state }

func (m *Mapper) Zoom() float64 { return m.state.Zoom }

func (m *Mapper) Image() types.Resolution { return m.image }

func (m *Mapper) Screen() types.Resolution { return m.screen }

// FitZoom is the zoom at which the whole image fits the screen, clamped.
func (m *Mapper) FitZoom() float64 {
	if m.image.Empty() || m.screen.Empty() {
		return 1
	}
	z := min(float64(m.screen.Width)/float64(m.image.Width),
		float64(m.screen.Height)/float64(m.image.Height))
	return ClampZoom(z)
}

// Reset restores fit-to-window zoom and a centred pan.
func (m *Mapper) Reset() {
	m.state = State{Zoom: m.FitZoom(), Anchor: half(m.screen)}
}

// Resize changes the screen size, keeping zoom and pan.
func (m *Mapper) Resize(screen types.Resolution) {
	m.screen = screen
}

// SetImage switches to another image and resets the view.
func (m *Mapper) SetImage(image types.Resolution) {
	m.image = image
	m.Reset()
}

func (m *Mapper) ScreenToImage(p Point) Point {
	c := half(m.image).Add(m.state.Pan)
	return c.Add(p.Sub(half(m.screen)).Scale(1 / m.state.Zoom))
}

func (m *Mapper) ImageToScreen(q Point) Point {
	c := half(m.image).Add(m.state.Pan)
	return half(m.screen).Add(q.Sub(c).Scale(m.state.Zoom))
}

// SetZoom sets an absolute zoom around the screen centre.
func (m *Mapper) SetZoom(z float64) {
	m.zoomAround(half(m.screen), z)
}

// ZoomToCursor scales by the wheel delta around screen point p. The image
// point under p is the same before and after.
func (m *Mapper) ZoomToCursor(p Point, delta float64) {
	if !p.Finite() || !finite(delta) {
		return
	}
	z := m.state.Zoom
	if delta >= 0 {
		z *= 1 + delta*zoomStep
	} else {
		z /= 1 - delta*zoomStep
	}
	m.zoomAround(p, z)
	m.state.Anchor = p
}

func (m *Mapper) zoomAround(p Point, z float64) {
	if !finite(z) {
		return
	}
	q := m.ScreenToImage(p)
	m.state.Zoom = ClampZoom(z)
	// solve imageCentre + pan' + (p - screenCentre)/zoom' = q for pan'
	m.state.Pan = q.Sub(p.Sub(half(m.screen)).Scale(1 / m.state.Zoom)).Sub(half(m.image))
}

// Pan moves the image with a screen-space drag delta.
func (m *Mapper) Pan(screenDelta Point) {
	if !screenDelta.Finite() {
		return
	}
	m.state.Pan = m.state.Pan.Sub(screenDelta.Scale(1 / m.state.Zoom))
}

// SampleRect is the visible part of the image in image-space pixels,
// clamped to the image bounds. Empty when the image is panned off-screen.
func (m *Mapper) SampleRect() types.Rect {
	tl := m.ScreenToImage(Point{})
	br := m.ScreenToImage(pt(m.screen.Width, m.screen.Height))
	x0, y0 := int(math.Floor(tl.X)), int(math.Floor(tl.Y))
	x1, y1 := int(math.Ceil(br.X)), int(math.Ceil(br.Y))
	r := types.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
	return r.Intersect(types.FullRect(m.image.Width, m.image.Height))
}

// TargetResolution is the render size for the visible rect: the on-screen
// size of the crop, never above native resolution, and capped on the long
// edge at maxDim when maxDim > 0.
func (m *Mapper) TargetResolution(maxDim int) types.Resolution {
	r := m.SampleRect()
	if r.Empty() {
		return types.Resolution{}
	}
	scale := min(m.state.Zoom, 1)
	res := types.Resolution{
		Width:  max(1, int(math.Ceil(float64(r.W)*scale))),
		Height: max(1, int(math.Ceil(float64(r.H)*scale))),
	}
	return res.FitWithin(maxDim)
}
