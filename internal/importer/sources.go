package importer

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"golang.org/x/sync/singleflight"
)

// Sources resolves catalog images to decoded source buffers for the render
// scheduler. The most recently used buffers stay resident; concurrent
// requests for the same image share one decode.
type Sources struct {
	dec  decode.Decoder
	cat  catalog.Catalog
	keep int

	group singleflight.Group

	mu    sync.Mutex
	order []types.ImageID // LRU 在前
	bufs  map[types.ImageID]*types.Buffer
}

// NewSources keeps at most keep decoded images resident (minimum 1).
func NewSources(dec decode.Decoder, cat catalog.Catalog, keep int) *Sources {
	return &Sources{
		dec:  dec,
		cat:  cat,
		keep: max(keep, 1),
		bufs: make(map[types.ImageID]*types.Buffer),
	}
}

// Source implements scheduler.SourceProvider. Buffers are shared and must
// be treated as read-only.
//
// The shared decode runs detached from the caller that started it: a job
// superseded mid-decode leaves without cancelling the decode its successor
// is waiting on. Each caller still returns as soon as its own ctx is done.
func (s *Sources) Source(ctx context.Context, id types.ImageID) (*types.Buffer, error) {
	if buf, ok := s.lookup(id); ok {
		return buf, nil
	}

	dctx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(string(id), func() (any, error) {
		if buf, ok := s.lookup(id); ok {
			return buf, nil
		}
		img, err := s.cat.GetImage(dctx, id)
		if err != nil {
			return nil, err
		}
		decoded, err := s.dec.Decode(dctx, img.Path)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		s.Put(id, decoded.Buffer)
		return decoded.Buffer, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*types.Buffer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sources) lookup(id types.ImageID) (*types.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bufs[id]
	if ok {
		s.touch(id)
	}
	return buf, ok
}

// touch 呼叫時需持有 s.mu
func (s *Sources) touch(id types.ImageID) {
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	s.order = append(s.order, id)
}

// Put makes buf the resident source of id, evicting the least recently
// used image beyond the limit.
func (s *Sources) Put(id types.ImageID, buf *types.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs[id] = buf
	s.touch(id)
	for len(s.order) > s.keep {
		delete(s.bufs, s.order[0])
		s.order = s.order[1:]
	}
}

// Forget drops the resident buffer of id.
func (s *Sources) Forget(id types.ImageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bufs[id]; !ok {
		return
	}
	delete(s.bufs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// Resident lists resident image ids, least recently used first.
func (s *Sources) Resident() []types.ImageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}
