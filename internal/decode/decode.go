// Package decode turns image files into linear float buffers.
//
// Real raw demosaicing is outside this package. Raw containers are read
// through their embedded JPEG preview; TIFF, PNG and JPEG files are decoded
// directly.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/darkroom/pkg/types"
	_ "golang.org/x/image/tiff"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrEmptyImage        = errors.New("image has no pixels")
)

// Error reports a failed decode of one file. Batch import logs it and
// continues with the next file.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Decoded is a decoded source image.
type Decoded struct {
	Buffer   *types.Buffer // linear RGB
	Color    types.ColorMetadata
	Format   string // "tiff", "png", "jpeg" or "embedded-jpeg"
	Embedded bool   // decoded from the embedded preview of a raw container
}

// Size returns the decoded dimensions.
func (d *Decoded) Size() types.Resolution { return d.Buffer.Size() }

// Decoder is the decode collaborator used by import and the CLI.
type Decoder interface {
	Decode(ctx context.Context, path string) (*Decoded, error)
	ExtractEmbeddedPreview(path string) ([]byte, bool, error)
}

// rawExtensions are containers whose own TIFF structure only holds a
// reduced IFD0 image; their embedded preview is preferred.
var rawExtensions = map[string]bool{
	".arw": true, ".cr2": true, ".cr3": true, ".dng": true, ".nef": true,
	".orf": true, ".pef": true, ".raf": true, ".rw2": true, ".srw": true,
}

// IsRaw reports whether path has a known raw container extension.
func IsRaw(path string) bool {
	return rawExtensions[strings.ToLower(filepath.Ext(path))]
}

var imageExtensions = map[string]bool{
	".tif": true, ".tiff": true, ".png": true, ".jpg": true, ".jpeg": true,
}

// Supported reports whether path looks like a file FileDecoder can read.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return rawExtensions[ext] || imageExtensions[ext]
}

// FileDecoder reads files from the local filesystem.
type FileDecoder struct {
	// MaxDimension downsamples sources whose long edge exceeds it (0: off).
	MaxDimension int
}

// NewFileDecoder creates a FileDecoder.
func NewFileDecoder(maxDimension int) *FileDecoder {
	return &FileDecoder{MaxDimension: maxDimension}
}

// Decode reads path and returns its pixels as linear RGB.
func (d *FileDecoder) Decode(ctx context.Context, path string) (*Decoded, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Path: path, Op: "read", Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Op: "read", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Path: path, Op: "decode", Err: err}
	}

	out, err := d.decodeBytes(data, IsRaw(path))
	if err != nil {
		return nil, &Error{Path: path, Op: "decode", Err: err}
	}
	if d.MaxDimension > 0 {
		out.Buffer = shrink(out.Buffer, d.MaxDimension)
	}
	return out, nil
}

func (d *FileDecoder) decodeBytes(data []byte, raw bool) (*Decoded, error) {
	if raw {
		if img, ok := largestJPEG(data); ok {
			return fromImage(img, "embedded-jpeg", true)
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return fromImage(img, format, false)
	}
	if img, ok := largestJPEG(data); ok {
		return fromImage(img, "embedded-jpeg", true)
	}
	if errors.Is(err, image.ErrFormat) {
		return nil, ErrUnsupportedFormat
	}
	return nil, err
}

// ExtractEmbeddedPreview returns the largest embedded JPEG in path.
func (d *FileDecoder) ExtractEmbeddedPreview(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, &Error{Path: path, Op: "read", Err: err}
	}
	jpg, ok := EmbeddedJPEG(data)
	return jpg, ok, nil
}

// fromImage converts img to a linear buffer. 16-bit TIFF data is taken as
// already linear; everything else is sRGB encoded.
func fromImage(img image.Image, format string, embedded bool) (*Decoded, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}

	linear := format == "tiff" && is16Bit(img)
	buf := types.NewBuffer(b.Dx(), b.Dy())
	conv := func(v uint32) float32 {
		if linear {
			return float32(v) / 0xffff
		}
		return srgbToLinear16[v]
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if a != 0 && a != 0xffff {
				// 取消預乘
				r, g, bl = r*0xffff/a, g*0xffff/a, bl*0xffff/a
			}
			buf.Set(x, y, conv(r), conv(g), conv(bl))
		}
	}

	return &Decoded{
		Buffer:   buf,
		Color:    types.DefaultColorMetadata(),
		Format:   format,
		Embedded: embedded,
	}, nil
}

func is16Bit(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64, *image.Gray16:
		return true
	}
	return false
}

// largestJPEG decodes the largest embedded JPEG that parses.
func largestJPEG(data []byte) (image.Image, bool) {
	for _, c := range jpegCandidates(data) {
		img, err := jpeg.Decode(bytes.NewReader(c))
		if err == nil {
			return img, true
		}
	}
	return nil, false
}

// shrink box-filters buf so that its long edge is at most maxDim.
func shrink(buf *types.Buffer, maxDim int) *types.Buffer {
	long := max(buf.Width, buf.Height)
	if long <= maxDim {
		return buf
	}
	f := (long + maxDim - 1) / maxDim
	w, h := buf.Width/f, buf.Height/f
	out := types.NewBuffer(w, h)
	n := float32(f * f)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b float32
			for dy := 0; dy < f; dy++ {
				for dx := 0; dx < f; dx++ {
					pr, pg, pb := buf.At(x*f+dx, y*f+dy)
					r, g, b = r+pr, g+pg, b+pb
				}
			}
			out.Set(x, y, r/n, g/n, b/n)
		}
	}
	return out
}
