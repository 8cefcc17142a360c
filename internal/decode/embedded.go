package decode

import (
	"bytes"
	"math"
	"sort"
)

var (
	soi = []byte{0xFF, 0xD8, 0xFF}
	eoi = []byte{0xFF, 0xD9}
)

// maxStarts bounds the SOI markers examined in one file.
const maxStarts = 64

// EmbeddedJPEG returns the largest SOI..EOI run in data.
func EmbeddedJPEG(data []byte) ([]byte, bool) {
	c := jpegCandidates(data)
	if len(c) == 0 {
		return nil, false
	}
	return c[0], true
}

// jpegCandidates lists embedded JPEG streams, largest first. A stream's
// extent comes from walking its marker segments, so an EXIF thumbnail nested
// in the APP1 segment of a larger preview does not cut the preview short.
// Streams that do not parse fall back to the first EOI after their SOI.
func jpegCandidates(data []byte) [][]byte {
	type span struct{ start, end int }
	var spans []span

	for off, n := 0, 0; n < maxStarts; n++ {
		i := bytes.Index(data[off:], soi)
		if i < 0 {
			break
		}
		start := off + i
		off = start + len(soi)

		if l, ok := jpegLength(data[start:]); ok {
			spans = append(spans, span{start, start + l})
		} else if j := bytes.Index(data[off:], eoi); j >= 0 {
			spans = append(spans, span{start, off + j + len(eoi)})
		}
	}

	sort.SliceStable(spans, func(a, b int) bool {
		return spans[a].end-spans[a].start > spans[b].end-spans[b].start
	})
	out := make([][]byte, len(spans))
	for i, s := range spans {
		out[i] = data[s.start:s.end]
	}
	return out
}

// jpegLength walks the marker segments of the JPEG stream at the start of b
// and returns the offset just past its EOI.
func jpegLength(b []byte) (int, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1] != 0xD8 {
		return 0, false
	}
	i := 2
	for i+2 <= len(b) {
		if b[i] != 0xFF {
			return 0, false
		}
		m := b[i+1]
		switch {
		case m == 0xFF: // fill
			i++
			continue
		case m == 0xD9:
			return i + 2, true
		case m == 0x01, isRST(m):
			i += 2
			continue
		}

		if i+4 > len(b) {
			return 0, false
		}
		n := int(b[i+2])<<8 | int(b[i+3])
		if n < 2 {
			return 0, false
		}
		i += 2 + n

		if m == 0xDA {
			// entropy-coded data runs until the next non-RST marker
			for i+1 < len(b) && !(b[i] == 0xFF && b[i+1] != 0x00 && !isRST(b[i+1])) {
				i++
			}
		}
	}
	return 0, false
}

func isRST(m byte) bool { return m >= 0xD0 && m <= 0xD7 }

// srgbToLinear16 maps 16-bit sRGB-encoded values to linear light.
var srgbToLinear16 = func() []float32 {
	t := make([]float32, 0x10000)
	for i := range t {
		v := float64(i) / 0xffff
		if v <= 0.04045 {
			t[i] = float32(v / 12.92)
		} else {
			t[i] = float32(math.Pow((v+0.055)/1.055, 2.4))
		}
	}
	return t
}()
