// Package sandbox isolates worker processes with OS facilities: cgroup v2
// resource accounting and namespace backed network policy on Linux, with an
// explicit unsupported fallback elsewhere. Platform conditionals stay inside
// this package; callers only see the capability interface.
package sandbox

import (
	"errors"
	"time"

	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/limits"
)

// ErrUnsupported is returned by sandbox operations on platforms without the
// required OS facilities.
var ErrUnsupported = errors.New("sandbox: not supported on this platform")

// Sandbox confines one worker process.
type Sandbox interface {
	// Supported reports whether the sandbox actually confines anything.
	Supported() bool
	// Setup prepares the confinement (cgroup directory, limit files).
	Setup() error
	// AddProcess places the worker pid under the sandbox's control.
	AddProcess(pid int) error
	// MemoryUsage returns current memory charged to the sandbox.
	MemoryUsage() (uint64, error)
	// CPUUsage returns total cpu time charged to the sandbox.
	CPUUsage() (time.Duration, error)
	// OOMKills returns how many times the kernel oom-killed the sandbox.
	OOMKills() (uint64, error)
	// Cleanup removes the confinement after the worker exits.
	Cleanup() error
}

// New returns the platform sandbox for the named plugin, or a no-op
// implementation when disabled or unsupported.
func New(name string, lim limits.ResourceLimits, cfg *config.Sandbox) Sandbox {
	if cfg == nil || !cfg.Enabled {
		return noopSandbox{}
	}
	return newPlatformSandbox(name, lim, cfg)
}

type noopSandbox struct{}

func (noopSandbox) Supported() bool                  { return false }
func (noopSandbox) Setup() error                     { return nil }
func (noopSandbox) AddProcess(int) error             { return nil }
func (noopSandbox) MemoryUsage() (uint64, error)     { return 0, ErrUnsupported }
func (noopSandbox) CPUUsage() (time.Duration, error) { return 0, ErrUnsupported }
func (noopSandbox) OOMKills() (uint64, error)        { return 0, ErrUnsupported }
func (noopSandbox) Cleanup() error                   { return nil }
