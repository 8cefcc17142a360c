// Package pipeline renders an edit snapshot onto a decoded linear buffer.
//
// A render is one crop/resample upload followed by a fixed chain of
// per-pixel passes submitted through the shared gpu.Context:
//
//	white balance -> tone -> color -> display transform
//
// Passes run sequentially on one submission slot; parallelism only comes
// from independent renders holding separate slots. Cancellation is checked
// before every pass.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

var (
	ErrCancelled     = errors.New("render cancelled")
	ErrInvalidSource = errors.New("invalid source buffer")
	ErrInvalidCrop   = errors.New("crop rectangle outside source")
	ErrInvalidTarget = errors.New("invalid target resolution")
)

// Options selects per-render output settings.
type Options struct {
	Profile DisplayProfile
}

// Pipeline renders through an owned GPU context.
type Pipeline struct {
	gpu *gpu.Context
}

// New registers the pass programs with g.
func New(g *gpu.Context) *Pipeline {
	for name, src := range ShaderSources() {
		g.RegisterProgram(name, src)
	}
	return &Pipeline{gpu: g}
}

// GPU returns the context the pipeline submits to.
func (p *Pipeline) GPU() *gpu.Context { return p.gpu }

// Render crops src to crop, resamples to target and applies snap. An empty
// crop means the full frame; an empty target means the crop's own size.
//
// The returned buffer holds a device allocation; hand it to the render
// cache or call Release when done.
func (p *Pipeline) Render(ctx context.Context, src *types.Buffer, snap edit.Snapshot,
	crop types.Rect, target types.Resolution, opts Options) (*types.Buffer, error) {

	if src == nil || src.Width <= 0 || src.Height <= 0 || len(src.Pix) != src.Width*src.Height*3 {
		return nil, ErrInvalidSource
	}
	full := types.FullRect(src.Width, src.Height)
	if crop.Empty() {
		crop = full
	}
	if crop.Intersect(full) != crop {
		return nil, fmt.Errorf("%w: %s in %s", ErrInvalidCrop, crop, src.Size())
	}
	if target.Empty() {
		target = types.Resolution{Width: crop.W, Height: crop.H}
	}
	if target.Width < 0 || target.Height < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}

	sub, err := p.gpu.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, err
	}
	defer sub.Release()

	size := int64(target.Width*target.Height*3) * 4
	if err := p.gpu.Alloc(size); err != nil {
		return nil, err
	}

	out := resample(src, crop, target)
	for _, pass := range Passes(snap, opts.Profile) {
		if err := ctx.Err(); err != nil {
			p.gpu.Free(size)
			return nil, fmt.Errorf("%w before %s: %w", ErrCancelled, pass.Program, err)
		}
		if err := sub.Dispatch(ctx, pass, out); err != nil {
			p.gpu.Free(size)
			return nil, fmt.Errorf("pass %s failed: %w", pass.Program, err)
		}
	}
	return out, nil
}

// Release returns the device allocation held by a rendered buffer.
func (p *Pipeline) Release(buf *types.Buffer) {
	if buf != nil {
		p.gpu.Free(buf.Bytes())
	}
}
