// Package monitoring samples per-process resource usage and checks it
// against declared limits.
package monitoring

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/metrics"
)

// ResourceMonitor samples one plugin process. CPU usage percent and IO
// bandwidth are deltas between consecutive samples, so the first sample
// reports zero for both.
type ResourceMonitor struct {
	plugin string
	pid    int32
	limits limits.ResourceLimits

	mu             sync.Mutex
	lastSample     time.Time
	lastCPUTotal   time.Duration
	lastReadBytes  uint64
	lastWriteBytes uint64
}

// NewResourceMonitor creates a monitor for the given pid.
func NewResourceMonitor(plugin string, pid int, lim limits.ResourceLimits) *ResourceMonitor {
	return &ResourceMonitor{plugin: plugin, pid: int32(pid), limits: lim}
}

// CollectMetrics gathers one full sample for the process.
func (m *ResourceMonitor) CollectMetrics() (*metrics.PluginMetrics, error) {
	proc, err := process.NewProcess(m.pid)
	if err != nil {
		return nil, fmt.Errorf("monitoring: pid %d: %v", m.pid, err)
	}

	sample := &metrics.PluginMetrics{
		PID:       m.pid,
		SampledAt: time.Now(),
		Source:    metrics.SourceProc,
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		sample.Memory.RSSBytes = mem.RSS
		sample.Memory.VMSBytes = mem.VMS
	}
	if memEx, err := proc.MemoryInfoEx(); err == nil && memEx != nil {
		sample.Memory.SharedBytes = memEx.Shared
	}
	if faults, err := proc.PageFaults(); err == nil && faults != nil {
		sample.Memory.MinorFaults = faults.MinorFaults
		sample.Memory.MajorFaults = faults.MajorFaults
	}
	sample.Memory.PeakBytes = peakRSS(m.pid)

	var cpuTotal time.Duration
	if times, err := proc.Times(); err == nil && times != nil {
		sample.CPU.UserTime = time.Duration(times.User * float64(time.Second))
		sample.CPU.SystemTime = time.Duration(times.System * float64(time.Second))
		cpuTotal = sample.CPU.UserTime + sample.CPU.SystemTime
	}

	if io, err := proc.IOCounters(); err == nil && io != nil {
		sample.IO.ReadBytes = io.ReadBytes
		sample.IO.WriteBytes = io.WriteBytes
		sample.IO.ReadOps = io.ReadCount
		sample.IO.WriteOps = io.WriteCount
	}

	if threads, err := proc.NumThreads(); err == nil {
		sample.Process.Threads = uint64(threads)
	}
	if fds, err := proc.NumFDs(); err == nil {
		sample.Process.FDs = uint64(fds)
	}
	if conns, err := proc.Connections(); err == nil {
		sample.Process.Connections = uint64(len(conns))
	}
	if children, err := proc.Children(); err == nil {
		sample.Process.Children = uint64(len(children))
	}
	if status, err := proc.Status(); err == nil {
		sample.Process.State = strings.Join(status, ",")
	}
	if nice, err := proc.Nice(); err == nil {
		sample.Process.Nice = nice
	}

	m.mu.Lock()
	if !m.lastSample.IsZero() {
		wall := sample.SampledAt.Sub(m.lastSample)
		if wall > 0 {
			sample.CPU.UsagePercent = float64(cpuTotal-m.lastCPUTotal) / float64(wall) * 100
			elapsed := wall.Seconds()
			sample.IO.ReadBytesPerSecond = float64(sample.IO.ReadBytes-m.lastReadBytes) / elapsed
			sample.IO.WriteBytesPerSecond = float64(sample.IO.WriteBytes-m.lastWriteBytes) / elapsed
		}
	}
	m.lastSample = sample.SampledAt
	m.lastCPUTotal = cpuTotal
	m.lastReadBytes = sample.IO.ReadBytes
	m.lastWriteBytes = sample.IO.WriteBytes
	m.mu.Unlock()

	return sample, nil
}

// CheckViolations samples the process and returns one violation per limit
// currently exceeded.
func (m *ResourceMonitor) CheckViolations() ([]limits.ViolationType, error) {
	sample, err := m.CollectMetrics()
	if err != nil {
		return nil, err
	}
	return m.ViolationsIn(sample), nil
}

// ViolationsIn compares an already collected sample against the limits.
func (m *ResourceMonitor) ViolationsIn(sample *metrics.PluginMetrics) []limits.ViolationType {
	var out []limits.ViolationType
	lim := m.limits

	if lim.MaxHeapBytes > 0 && sample.Memory.RSSBytes > lim.MaxHeapBytes {
		out = append(out, limits.HeapMemory(sample.Memory.RSSBytes, lim.MaxHeapBytes))
	}
	if lim.MaxCPUTime > 0 {
		cpuMS := uint64((sample.CPU.UserTime + sample.CPU.SystemTime).Milliseconds())
		limMS := uint64(lim.MaxCPUTime.Milliseconds())
		if cpuMS > limMS {
			out = append(out, limits.CPUTime(cpuMS, limMS))
		}
	}
	if lim.MaxFileDescriptors > 0 && sample.Process.FDs > lim.MaxFileDescriptors {
		out = append(out, limits.FileDescriptors(sample.Process.FDs, lim.MaxFileDescriptors))
	}
	if lim.MaxThreads > 0 && sample.Process.Threads > lim.MaxThreads {
		out = append(out, limits.Threads(sample.Process.Threads, lim.MaxThreads))
	}
	if lim.MaxConnections > 0 && sample.Process.Connections > lim.MaxConnections {
		out = append(out, limits.Connections(sample.Process.Connections, lim.MaxConnections))
	}
	return out
}

// peakRSS reads VmHWM from /proc. Zero when unavailable, which is fine:
// peak is informational only and never drives violations.
func peakRSS(pid int32) uint64 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmHWM:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
