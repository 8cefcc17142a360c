// ============================================================================
// GPU Context - 共享裝置的持有者
// ============================================================================
//
// Package: internal/gpu
// File: context.go
// Purpose: 單一 owned handle，由 Pipeline 與 Scheduler 在建構時傳入，不使用全域 singleton。
//
// 職責:
//   1. 持有目前的 Device 及其 generation（每次重建 +1）
//   2. 以 semaphore 限制同時提交的任務數（裝置的 concurrent-submission 上限）
//   3. 記帳裝置記憶體（Alloc / Free），超出上限回傳 OutOfMemory
//   4. 註冊並編譯 WGSL program（naga → SPIR-V）
//   5. Device lost 時重建裝置（Reinit），同一 generation 只重建一次
//
// ============================================================================

package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/darkroom/pkg/types"
	"golang.org/x/sync/semaphore"
)

var log = slog.Default()

// Options configures a Context.
type Options struct {
	MaxConcurrentSubmissions int   // 0 表示使用裝置上限
	MemoryLimit              int64 // bytes，0 表示不限制
	CompileShaders           bool
}

// Context owns the GPU device.
type Context struct {
	factory DeviceFactory
	opts    Options
	sem     *semaphore.Weighted
	slots   int

	mu       sync.RWMutex
	device   Device
	gen      uint64
	closed   bool
	programs map[string]*Program

	allocated atomic.Int64
	resets    atomic.Int64
}

// NewContext opens the first device from factory.
func NewContext(factory DeviceFactory, opts Options) (*Context, error) {
	dev, err := factory()
	if err != nil {
		return nil, &Error{Kind: DeviceLost, Op: "open", Err: err}
	}

	slots := dev.MaxConcurrentSubmissions()
	if opts.MaxConcurrentSubmissions > 0 && opts.MaxConcurrentSubmissions < slots {
		slots = opts.MaxConcurrentSubmissions
	}
	slots = max(slots, 1)

	log.Info("GPU context ready",
		"device", dev.Name(),
		"submissions", slots,
		"memory_limit", opts.MemoryLimit)

	return &Context{
		factory:  factory,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(slots)),
		slots:    slots,
		device:   dev,
		gen:      1,
		programs: make(map[string]*Program),
	}, nil
}

// RegisterProgram records a WGSL program under name, compiling it when
// shader compilation is enabled. A compile failure is kept on the Program
// and logged; it does not prevent software dispatch.
func (c *Context) RegisterProgram(name, wgsl string) *Program {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.programs[name]; ok && p.WGSL == wgsl {
		return p
	}

	p := &Program{Name: name, WGSL: wgsl}
	if c.opts.CompileShaders {
		p.SPIRV, p.Err = CompileWGSL(wgsl)
		if p.Err != nil {
			log.Warn("Shader compilation failed", "program", name, "error", p.Err)
		} else {
			log.Debug("Shader compiled", "program", name, "words", len(p.SPIRV))
		}
	}
	c.programs[name] = p
	return p
}

// Program returns a registered program.
func (c *Context) Program(name string) (*Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[name]
	return p, ok
}

// Submission is one job's exclusive slot on the device.
type Submission struct {
	c        *Context
	device   Device
	gen      uint64
	released atomic.Bool
}

// Acquire blocks until a submission slot is free or ctx is done.
func (c *Context) Acquire(ctx context.Context) (*Submission, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.sem.Release(1)
		return nil, ErrContextClosed
	}
	return &Submission{c: c, device: c.device, gen: c.gen}, nil
}

// Generation is the device generation this submission runs on.
func (s *Submission) Generation() uint64 { return s.gen }

// Dispatch runs one pass. Failures are reported as *Error.
func (s *Submission) Dispatch(ctx context.Context, pass Pass, buf *types.Buffer) error {
	prog, _ := s.c.Program(pass.Program)
	if err := s.device.Dispatch(ctx, prog, pass, buf); err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			if ge.Generation == 0 {
				ge.Generation = s.gen
			}
			return err
		}
		kind := DispatchFailed
		if s.device.Lost() {
			kind = DeviceLost
		}
		return &Error{Kind: kind, Op: "dispatch " + pass.Program, Generation: s.gen, Err: err}
	}
	if s.device.Lost() {
		return &Error{Kind: DeviceLost, Op: "dispatch " + pass.Program, Generation: s.gen}
	}
	return nil
}

// Release returns the slot. Safe to call more than once.
func (s *Submission) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.c.sem.Release(1)
	}
}

// Alloc reserves device memory for a buffer of n bytes.
func (c *Context) Alloc(n int64) error {
	for {
		cur := c.allocated.Load()
		if c.opts.MemoryLimit > 0 && cur+n > c.opts.MemoryLimit {
			return &Error{
				Kind: OutOfMemory,
				Op:   "alloc",
				Err:  fmt.Errorf("%d bytes requested, %d of %d in use", n, cur, c.opts.MemoryLimit),
			}
		}
		if c.allocated.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Free releases n bytes reserved by Alloc.
func (c *Context) Free(n int64) {
	if c.allocated.Add(-n) < 0 {
		c.allocated.Store(0)
	}
}

func (c *Context) Allocated() int64 { return c.allocated.Load() }

// Reinit replaces the device if it is still at generation gen. It returns
// false when another caller already reinitialised past gen.
func (c *Context) Reinit(gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrContextClosed
	}
	if c.gen != gen {
		return false, nil
	}

	old := c.device
	dev, err := c.factory()
	if err != nil {
		return false, &Error{Kind: DeviceLost, Op: "reinit", Err: err}
	}
	_ = old.Close()

	c.device = dev
	c.gen++
	c.resets.Add(1)

	log.Warn("GPU context reinitialised",
		"device", dev.Name(),
		"generation", c.gen)
	return true, nil
}

func (c *Context) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Resets counts successful reinitialisations.
func (c *Context) Resets() int64 { return c.resets.Load() }

func (c *Context) Slots() int { return c.slots }

func (c *Context) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device.Name()
}

// Close releases the device. Further Acquire calls fail.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.device.Close()
}
