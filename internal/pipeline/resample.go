package pipeline

import (
	"math"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// tap is one source sample contributing to an output sample.
type tap struct {
	src    int
	weight float64
}

// axisTaps computes, for each of n output samples, the source samples of
// the span [off, off+span) that contribute to it. Shrinking uses an area
// average (box filter with fractional coverage); enlarging uses linear
// interpolation at the output sample centre.
func axisTaps(off, span, n int) [][]tap {
	taps := make([][]tap, n)
	scale := float64(span) / float64(n)

	if span == n {
		for i := range taps {
			taps[i] = []tap{{src: off + i, weight: 1}}
		}
		return taps
	}

	if scale > 1 {
		for i := range taps {
			lo, hi := float64(i)*scale, float64(i+1)*scale
			for j := int(math.Floor(lo)); j < int(math.Ceil(hi)) && j < span; j++ {
				cover := min(hi, float64(j+1)) - max(lo, float64(j))
				if cover > 0 {
					taps[i] = append(taps[i], tap{src: off + j, weight: cover / scale})
				}
			}
		}
		return taps
	}

	for i := range taps {
		c := (float64(i)+0.5)*scale - 0.5
		j0 := int(math.Floor(c))
		f := c - float64(j0)
		a, b := min(max(j0, 0), span-1), min(max(j0+1, 0), span-1)
		if a == b || f == 0 {
			taps[i] = []tap{{src: off + a, weight: 1}}
			continue
		}
		taps[i] = []tap{{src: off + a, weight: 1 - f}, {src: off + b, weight: f}}
	}
	return taps
}

// resample crops src to crop and scales it to target. The result is a new
// buffer; src is never modified. Separable: rows first, then columns. Only
// the horizontally resampled source rows the current output row reads are
// kept, so scratch memory is a few rows of target width.
func resample(src *types.Buffer, crop types.Rect, target types.Resolution) *types.Buffer {
	if crop == types.FullRect(src.Width, src.Height) && target == src.Size() {
		return src.Clone()
	}

	xt := axisTaps(crop.X, crop.W, target.Width)
	yt := axisTaps(crop.Y, crop.H, target.Height)
	stride := target.Width * 3

	// band[i] 是來源列 first+i 的水平結果；輸出列的 taps 由上往下單調遞增
	var (
		first int
		band  [][]float64
		spare [][]float64
	)
	dst := types.NewBuffer(target.Width, target.Height)
	for y, ts := range yt {
		lo, hi := ts[0].src, ts[len(ts)-1].src
		for len(band) > 0 && first < lo {
			spare = append(spare, band[0])
			band = band[1:]
			first++
		}
		if len(band) == 0 {
			first = lo
		}
		for first+len(band) <= hi {
			var row []float64
			if n := len(spare); n > 0 {
				row, spare = spare[n-1], spare[:n-1]
			} else {
				row = make([]float64, stride)
			}
			resampleRow(src, first+len(band), xt, row)
			band = append(band, row)
		}

		out := y * stride
		for x := 0; x < stride; x++ {
			var v float64
			for _, t := range ts {
				v += band[t.src-first][x] * t.weight
			}
			dst.Pix[out+x] = float32(v)
		}
	}
	return dst
}

// resampleRow writes the horizontal pass of source row sy into row.
func resampleRow(src *types.Buffer, sy int, xt [][]tap, row []float64) {
	base := sy * src.Width * 3
	for x, ts := range xt {
		var r, g, b float64
		for _, t := range ts {
			i := base + t.src*3
			r += float64(src.Pix[i]) * t.weight
			g += float64(src.Pix[i+1]) * t.weight
			b += float64(src.Pix[i+2]) * t.weight
		}
		o := x * 3
		row[o], row[o+1], row[o+2] = r, g, b
	}
}
