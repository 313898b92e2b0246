//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/logging/logger"
)

// cgroupSandbox confines a worker under a dedicated cgroup v2 directory.
type cgroupSandbox struct {
	name string
	dir  string
	lim  limits.ResourceLimits
}

func newPlatformSandbox(name string, lim limits.ResourceLimits, cfg *config.Sandbox) Sandbox {
	return &cgroupSandbox{
		name: name,
		dir:  filepath.Join(cfg.CgroupRoot, "enclave", name),
		lim:  lim,
	}
}

func (s *cgroupSandbox) Supported() bool {
	return true
}

func (s *cgroupSandbox) Setup() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("sandbox: create cgroup %s: %v", s.dir, err)
	}
	if s.lim.MaxHeapBytes > 0 {
		if err := s.writeFile("memory.max", strconv.FormatUint(s.lim.MaxHeapBytes, 10)); err != nil {
			return err
		}
	}
	if s.lim.MaxThreads > 0 {
		if err := s.writeFile("pids.max", strconv.FormatUint(s.lim.MaxThreads, 10)); err != nil {
			// pids controller may not be delegated; degrade to accounting only.
			logger.Warnf(nil, "cgroup pids.max unavailable for %s: %v", s.name, err)
		}
	}
	return nil
}

func (s *cgroupSandbox) AddProcess(pid int) error {
	return s.writeFile("cgroup.procs", strconv.Itoa(pid))
}

func (s *cgroupSandbox) MemoryUsage() (uint64, error) {
	return s.readUint("memory.current")
}

func (s *cgroupSandbox) CPUUsage() (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "cpu.stat"))
	if err != nil {
		return 0, fmt.Errorf("sandbox: read cpu.stat: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("sandbox: parse usage_usec: %v", err)
			}
			return time.Duration(usec) * time.Microsecond, nil
		}
	}
	return 0, fmt.Errorf("sandbox: usage_usec missing from cpu.stat")
}

func (s *cgroupSandbox) OOMKills() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "memory.events"))
	if err != nil {
		return 0, fmt.Errorf("sandbox: read memory.events: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("sandbox: parse oom_kill: %v", err)
			}
			return n, nil
		}
	}
	return 0, nil
}

func (s *cgroupSandbox) Cleanup() error {
	if err := os.Remove(s.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sandbox: remove cgroup %s: %v", s.dir, err)
	}
	return nil
}

func (s *cgroupSandbox) writeFile(name, value string) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("sandbox: write %s: %v", path, err)
	}
	return nil
}

func (s *cgroupSandbox) readUint(name string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return 0, fmt.Errorf("sandbox: read %s: %v", name, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sandbox: parse %s: %v", name, err)
	}
	return n, nil
}
