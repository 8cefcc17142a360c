package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/stretchr/testify/require"
)

// BenchmarkPreviewRender 每次都是新的 snapshot（cache miss）
func BenchmarkPreviewRender(b *testing.B) {
	s := startScheduler(b, 4, gradient(3000, 2000))
	target := types.Resolution{Width: 1200, Height: 800}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap := edit.Default().With(edit.Exposure, float64(i%1000)/1000)
		res, err := s.SubmitAndWait(context.Background(), previewRequest("bench", snap, target))
		require.NoError(b, err)
		require.Equal(b, types.StatusCompleted, res.Status)
	}
}

// BenchmarkCacheHit 重複顯示同一個 render
func BenchmarkCacheHit(b *testing.B) {
	s := startScheduler(b, 4, gradient(3000, 2000))
	req := previewRequest("bench", edit.Default(), types.Resolution{Width: 1200, Height: 800})
	_, err := s.SubmitAndWait(context.Background(), req)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := s.SubmitAndWait(context.Background(), req)
		require.NoError(b, err)
		require.True(b, res.CacheHit)
	}
}

// BenchmarkParallelImages 多張影像同時提交預覽
func BenchmarkParallelImages(b *testing.B) {
	s := startScheduler(b, 8, gradient(2000, 1500))
	target := types.Resolution{Width: 800, Height: 600}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			id := types.ImageID(fmt.Sprintf("img-%d", i%32))
			snap := edit.Default().With(edit.Saturation, float64(i%100))
			if _, err := s.SubmitAndWait(context.Background(), previewRequest(id, snap, target)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
