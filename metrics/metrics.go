// Package metrics defines the resource usage snapshot collected for each
// plugin process.
package metrics

import (
	"time"
)

// MemoryMetrics is the memory footprint of a plugin process.
type MemoryMetrics struct {
	RSSBytes    uint64 `json:"rss_bytes"`
	VMSBytes    uint64 `json:"vms_bytes"`
	SharedBytes uint64 `json:"shared_bytes"`
	PeakBytes   uint64 `json:"peak_bytes"`
	MinorFaults uint64 `json:"minor_faults"`
	MajorFaults uint64 `json:"major_faults"`
}

// CPUMetrics is the CPU consumption of a plugin process. UsagePercent is
// computed as cpu time delta over wall clock delta between two samples.
type CPUMetrics struct {
	UserTime     time.Duration `json:"user_time"`
	SystemTime   time.Duration `json:"system_time"`
	UsagePercent float64       `json:"usage_percent"`
}

// IOMetrics is the disk traffic of a plugin process. Bandwidth values are
// deltas over the elapsed time since the previous sample.
type IOMetrics struct {
	ReadBytes           uint64  `json:"read_bytes"`
	WriteBytes          uint64  `json:"write_bytes"`
	ReadOps             uint64  `json:"read_ops"`
	WriteOps            uint64  `json:"write_ops"`
	ReadBytesPerSecond  float64 `json:"read_bytes_per_second"`
	WriteBytesPerSecond float64 `json:"write_bytes_per_second"`
}

// ProcessMetrics is general process accounting.
type ProcessMetrics struct {
	Threads     uint64 `json:"threads"`
	FDs         uint64 `json:"fds"`
	Connections uint64 `json:"connections"`
	Children    uint64 `json:"children"`
	State       string `json:"state"`
	Nice        int32  `json:"nice"`
}

// PluginMetrics is one full sample for a plugin process.
type PluginMetrics struct {
	PID       int32          `json:"pid"`
	SampledAt time.Time      `json:"sampled_at"`
	Memory    MemoryMetrics  `json:"memory"`
	CPU       CPUMetrics     `json:"cpu"`
	IO        IOMetrics      `json:"io"`
	Process   ProcessMetrics `json:"process"`
	Source    string         `json:"source"`
}

// Source tags for PluginMetrics. Cgroup figures are authoritative; proc
// figures are a lower fidelity fallback.
const (
	SourceCgroup = "cgroup"
	SourceProc   = "proc"
)
