package pipeline

import "github.com/ChuLiYu/darkroom/pkg/types"

// HistogramBins is the number of bins per channel.
const HistogramBins = 256

// Histogram counts display-encoded values per channel. Values are clamped
// to [0,1] before binning.
type Histogram [3][HistogramBins]uint32

// ComputeHistogram bins every pixel of buf.
func ComputeHistogram(buf *types.Buffer) Histogram {
	var h Histogram
	for i := 0; i+2 < len(buf.Pix); i += 3 {
		for c := 0; c < 3; c++ {
			h[c][bin(buf.Pix[i+c])]++
		}
	}
	return h
}

func bin(v float32) int {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return HistogramBins - 1
	}
	return int(v*(HistogramBins-1) + 0.5)
}

// Max is the largest bin count over all channels, for normalising a plot.
func (h *Histogram) Max() uint32 {
	var m uint32
	for c := range h {
		for _, n := range h[c] {
			m = max(m, n)
		}
	}
	return m
}

// Mean is the average bin index of channel c, in [0, HistogramBins-1].
func (h *Histogram) Mean(c int) float64 {
	var sum, n float64
	for i, count := range h[c] {
		sum += float64(i) * float64(count)
		n += float64(count)
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
