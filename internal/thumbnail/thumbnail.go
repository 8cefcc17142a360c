// Package thumbnail produces the small JPEG tiers shown in the library grid
// and while a full preview is still rendering.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"golang.org/x/image/draw"
)

var ErrUnknownTier = errors.New("unknown thumbnail tier")

// Tier is a named long-edge size.
type Tier struct {
	Name     string `yaml:"name" json:"name"`
	LongEdge int    `yaml:"long_edge" json:"long_edge"`
}

var (
	Thumb   = Tier{Name: "thumb", LongEdge: 256}
	Instant = Tier{Name: "instant", LongEdge: 384}
	Working = Tier{Name: "working", LongEdge: 1280}
)

// DefaultTiers in ascending size.
var DefaultTiers = []Tier{Thumb, Instant, Working}

// DefaultQuality is the JPEG quality of stored tiers.
const DefaultQuality = 85

// TierByName looks up name in tiers.
func TierByName(tiers []Tier, name string) (Tier, error) {
	for _, t := range tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
}

// Size returns the tier size for an image of size src. Images already
// smaller than the tier keep their size.
func (t Tier) Size(src types.Resolution) types.Resolution {
	return src.FitWithin(t.LongEdge)
}

// Quantize converts a display-encoded buffer (values in [0,1]) to 8-bit RGBA.
func Quantize(buf *types.Buffer) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	for i, j := 0, 0; i+2 < len(buf.Pix); i, j = i+3, j+4 {
		img.Pix[j] = to8(buf.Pix[i])
		img.Pix[j+1] = to8(buf.Pix[i+1])
		img.Pix[j+2] = to8(buf.Pix[i+2])
		img.Pix[j+3] = 0xff
	}
	return img
}

func to8(v float32) uint8 {
	return uint8(min(max(v, 0), 1)*255 + 0.5)
}

// Scale resizes src so that its long edge is at most longEdge, using
// Catmull-Rom.
func Scale(src image.Image, longEdge int) *image.RGBA {
	b := src.Bounds()
	size := types.Resolution{Width: b.Dx(), Height: b.Dy()}.FitWithin(longEdge)
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Encode writes img as JPEG.
func Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeFunc returns a post-render step that scales a display-encoded render
// to tier and encodes it. Plug it into a render request's Finish.
func EncodeFunc(tier Tier, quality int) func(context.Context, *types.Buffer) (any, error) {
	return func(ctx context.Context, buf *types.Buffer) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var img image.Image = Quantize(buf)
		if max(buf.Width, buf.Height) > tier.LongEdge {
			img = Scale(img, tier.LongEdge)
		}
		return Encode(img, quality)
	}
}

// FromEmbedded builds tier from the embedded preview of a raw container.
// ok is false when the file carries no usable preview.
func FromEmbedded(dec decode.Decoder, path string, tier Tier, quality int) (data []byte, ok bool, err error) {
	jpg, found, err := dec.ExtractEmbeddedPreview(path)
	if err != nil || !found {
		return nil, false, err
	}
	img, err := jpeg.Decode(bytes.NewReader(jpg))
	if err != nil {
		return nil, false, nil
	}
	data, err = Encode(Scale(img, tier.LongEdge), quality)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
