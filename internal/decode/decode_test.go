package decode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func encodeJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestDecode_PNGIsLinearised(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(1, 1, color.NRGBA{R: 128, G: 0, B: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := writeFile(t, "frame.png", buf.Bytes())

	d, err := NewFileDecoder(0).Decode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "png", d.Format)
	assert.False(t, d.Embedded)
	require.Equal(t, 4, d.Buffer.Width)
	require.Equal(t, 3, d.Buffer.Height)

	r, g, b := d.Buffer.At(1, 1)
	assert.InDelta(t, 0.2158605, r, 1e-4)
	assert.Equal(t, float32(0), g)
	assert.Equal(t, float32(1), b)
	assert.Equal(t, "linear-srgb", d.Color.ColorSpace)
}

func TestDecode_16BitTIFFIsLinear(t *testing.T) {
	img := image.NewRGBA64(image.Rect(0, 0, 2, 2))
	img.SetRGBA64(0, 0, color.RGBA64{R: 0x8000, G: 0x4000, B: 0xffff, A: 0xffff})
	img.SetRGBA64(1, 1, color.RGBA64{A: 0xffff})

	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	path := writeFile(t, "scan.tif", buf.Bytes())

	d, err := NewFileDecoder(0).Decode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "tiff", d.Format)

	r, g, b := d.Buffer.At(0, 0)
	assert.InDelta(t, 0.5, r, 1e-4)
	assert.InDelta(t, 0.25, g, 1e-4)
	assert.InDelta(t, 1.0, b, 1e-6)
}

func TestDecode_RawUsesLargestEmbeddedPreview(t *testing.T) {
	small := encodeJPEG(t, 16, 8, color.RGBA{R: 255, A: 255})
	large := encodeJPEG(t, 64, 32, color.RGBA{G: 255, A: 255})

	var raw bytes.Buffer
	raw.WriteString("II*\x00 sensor data header")
	raw.Write(small)
	raw.Write(bytes.Repeat([]byte{0x12, 0x34}, 500))
	raw.Write(large)
	raw.WriteString("trailing sensor data")
	path := writeFile(t, "IMG_0001.CR2", raw.Bytes())

	dec := NewFileDecoder(0)
	d, err := dec.Decode(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, d.Embedded)
	assert.Equal(t, "embedded-jpeg", d.Format)
	assert.Equal(t, 64, d.Buffer.Width)
	assert.Equal(t, 32, d.Buffer.Height)

	r, g, _ := d.Buffer.At(10, 10)
	assert.Greater(t, g, r)

	jpg, ok, err := dec.ExtractEmbeddedPreview(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, jpg)
}

func TestEmbeddedJPEG_NestedThumbnail(t *testing.T) {
	inner := encodeJPEG(t, 8, 8, color.White)
	outer := encodeJPEG(t, 32, 32, color.Black)

	// 在 outer 的 SOI 後插入一個帶 inner 的 APP1 segment
	seg := append([]byte{0xFF, 0xE1, byte((len(inner) + 2) >> 8), byte(len(inner) + 2)}, inner...)
	nested := append(append(append([]byte{}, outer[:2]...), seg...), outer[2:]...)

	data := append([]byte("raw header "), nested...)
	got, ok := EmbeddedJPEG(data)
	require.True(t, ok)
	assert.Equal(t, nested, got)

	img, err := jpeg.Decode(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestEmbeddedJPEG_None(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no markers", []byte("just some bytes")},
		{"soi without eoi", []byte{0x00, 0xFF, 0xD8, 0xFF, 0xE0, 0x00}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := EmbeddedJPEG(tc.data)
			assert.False(t, ok)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	dec := NewFileDecoder(0)

	t.Run("missing file", func(t *testing.T) {
		_, err := dec.Decode(context.Background(), filepath.Join(t.TempDir(), "nope.png"))
		var de *Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "read", de.Op)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("unsupported", func(t *testing.T) {
		path := writeFile(t, "notes.txt", []byte("not an image"))
		_, err := dec.Decode(context.Background(), path)
		var de *Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, path, de.Path)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := dec.Decode(ctx, "whatever.png")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDecode_MaxDimension(t *testing.T) {
	path := writeFile(t, "wide.jpg", encodeJPEG(t, 400, 200, color.Gray{Y: 200}))

	d, err := NewFileDecoder(100).Decode(context.Background(), path)
	require.NoError(t, err)
	assert.LessOrEqual(t, max(d.Buffer.Width, d.Buffer.Height), 100)
	assert.Equal(t, 2*d.Buffer.Height, d.Buffer.Width)
}

func TestIsRaw(t *testing.T) {
	assert.True(t, IsRaw("/photos/DSC_0001.NEF"))
	assert.True(t, IsRaw("a.dng"))
	assert.False(t, IsRaw("a.jpg"))
	assert.False(t, IsRaw("noext"))
}

func TestSupported(t *testing.T) {
	for path, want := range map[string]bool{
		"a.NEF":     true,
		"b.tiff":    true,
		"c.JPG":     true,
		"d.png":     true,
		"notes.md":  false,
		".DS_Store": false,
	} {
		assert.Equal(t, want, Supported(path), path)
	}
}
