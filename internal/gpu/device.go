package gpu

import (
	"context"
	"sync/atomic"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// Pass is one compute dispatch: a named program, its uniform block, and the
// host kernel equivalent of the program. Hardware backends bind Program with
// Uniforms; the software backend runs Kernel.
type Pass struct {
	Program  string
	Uniforms []float32
	Kernel   func(pix []float32)
}

// Device executes passes. A Device that reports Lost must be replaced.
type Device interface {
	Name() string
	// MaxConcurrentSubmissions is the number of independent jobs the device
	// accepts at once.
	MaxConcurrentSubmissions() int
	Dispatch(ctx context.Context, prog *Program, pass Pass, buf *types.Buffer) error
	Lost() bool
	Close() error
}

// DeviceFactory opens a new device. It is called at construction and on
// every reinitialisation.
type DeviceFactory func() (Device, error)

// SoftwareDevice runs pass kernels on the calling goroutine.
type SoftwareDevice struct {
	submissions int
	closed      atomic.Bool
}

// NewSoftwareDevice creates a host-memory device.
func NewSoftwareDevice(maxSubmissions int) *SoftwareDevice {
	if maxSubmissions <= 0 {
		maxSubmissions = 1
	}
	return &SoftwareDevice{submissions: maxSubmissions}
}

// SoftwareFactory returns a DeviceFactory for SoftwareDevice.
func SoftwareFactory(maxSubmissions int) DeviceFactory {
	return func() (Device, error) {
		return NewSoftwareDevice(maxSubmissions), nil
	}
}

func (d *SoftwareDevice) Name() string { return "software" }

func (d *SoftwareDevice) MaxConcurrentSubmissions() int { return d.submissions }

func (d *SoftwareDevice) Dispatch(ctx context.Context, prog *Program, pass Pass, buf *types.Buffer) error {
	if d.closed.Load() {
		return &Error{Kind: DeviceLost, Op: "dispatch " + pass.Program}
	}
	if pass.Kernel == nil {
		return &Error{Kind: DispatchFailed, Op: "dispatch " + pass.Program, Err: ErrUnknownProgram}
	}
	pass.Kernel(buf.Pix)
	return nil
}

func (d *SoftwareDevice) Lost() bool { return d.closed.Load() }

func (d *SoftwareDevice) Close() error {
	d.closed.Store(true)
	return nil
}
