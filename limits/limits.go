// Package limits defines the resource ceilings a plugin declares, the
// violations recorded when it exceeds them, and the unmount policy applied
// when violations accumulate.
package limits

import (
	"fmt"
	"time"
)

// MaxHeapBytes is the hard ceiling on declared heap limits.
const MaxHeapBytes = 4 << 30

// ResourceLimits is the set of ceilings a plugin runs under. Declared by the
// plugin manifest or defaulted by the host, validated before spawn, and
// immutable once the process starts.
type ResourceLimits struct {
	MaxHeapBytes       uint64        `json:"max_heap_bytes" msgpack:"max_heap_bytes"`
	MaxCPUTime         time.Duration `json:"max_cpu_time" msgpack:"max_cpu_time"`
	MaxFileDescriptors uint64        `json:"max_file_descriptors" msgpack:"max_file_descriptors"`
	MaxThreads         uint64        `json:"max_threads" msgpack:"max_threads"`
	MaxConnections     uint64        `json:"max_connections" msgpack:"max_connections"`
	MaxDatabaseQuery   time.Duration `json:"max_database_query" msgpack:"max_database_query"`
	MaxExternalAPICall time.Duration `json:"max_external_api_call" msgpack:"max_external_api_call"`
	HookTimeout        time.Duration `json:"hook_timeout" msgpack:"hook_timeout"`
}

// Default returns the limits applied to plugins that declare none.
func Default() ResourceLimits {
	return ResourceLimits{
		MaxHeapBytes:       256 << 20,
		MaxCPUTime:         30 * time.Second,
		MaxFileDescriptors: 64,
		MaxThreads:         16,
		MaxConnections:     32,
		MaxDatabaseQuery:   5 * time.Second,
		MaxExternalAPICall: 10 * time.Second,
		HookTimeout:        30 * time.Second,
	}
}

// Validate checks the declared limits. Heap must be positive and at most
// 4 GiB, CPU time must be positive.
func (l ResourceLimits) Validate() error {
	if l.MaxHeapBytes == 0 {
		return fmt.Errorf("limits: max heap bytes must be greater than zero")
	}
	if l.MaxHeapBytes > MaxHeapBytes {
		return fmt.Errorf("limits: max heap bytes %d exceeds ceiling %d", l.MaxHeapBytes, uint64(MaxHeapBytes))
	}
	if l.MaxCPUTime <= 0 {
		return fmt.Errorf("limits: max cpu time must be greater than zero")
	}
	return nil
}

// UnmountBehavior is the policy applied when a plugin is unmounted.
type UnmountBehavior struct {
	AutoUnmount     bool          `json:"auto_unmount" msgpack:"auto_unmount"`
	GracePeriod     time.Duration `json:"grace_period" msgpack:"grace_period"`
	CleanupTimeout  time.Duration `json:"cleanup_timeout" msgpack:"cleanup_timeout"`
	RunShutdownHook bool          `json:"run_shutdown_hook" msgpack:"run_shutdown_hook"`
}

// ImmediateUnmount kills the plugin with no grace and no cleanup window.
func ImmediateUnmount() UnmountBehavior {
	return UnmountBehavior{AutoUnmount: true}
}

// GracefulUnmount gives the plugin a shutdown hook, a 5s grace period and a
// 10s cleanup window.
func GracefulUnmount() UnmountBehavior {
	return UnmountBehavior{
		AutoUnmount:     true,
		GracePeriod:     5 * time.Second,
		CleanupTimeout:  10 * time.Second,
		RunShutdownHook: true,
	}
}

// ManualUnmount leaves the plugin running until an operator acts, with a
// generous cleanup window once they do.
func ManualUnmount() UnmountBehavior {
	return UnmountBehavior{
		AutoUnmount:     false,
		GracePeriod:     5 * time.Second,
		CleanupTimeout:  30 * time.Second,
		RunShutdownHook: true,
	}
}
