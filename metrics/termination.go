package metrics

import (
	"fmt"
	"time"
)

// TerminationKind enumerates why a plugin process was or will be stopped.
type TerminationKind int

const (
	TerminationMemoryLimit TerminationKind = iota + 1
	TerminationCPULimit
	TerminationFDLimit
	TerminationThreadLimit
	TerminationConnectionLimit
	TerminationHookTimeout
	TerminationViolationThreshold
	TerminationCgroupOOMKill
	TerminationSeccompViolation
	TerminationHealthCheckFailed
	TerminationGracefulShutdown
	TerminationCrashed
	TerminationManual
)

// TerminationReason carries the kind plus the measured values behind it.
type TerminationReason struct {
	Kind                TerminationKind
	Used                uint64
	Limit               uint64
	HookName            string
	ViolationCount      int
	WindowSeconds       int
	Syscall             string
	ConsecutiveFailures int
	ExitCode            int
	Signal              string
	Detail              string
}

// Description renders the reason for logs and termination warnings.
func (r TerminationReason) Description() string {
	switch r.Kind {
	case TerminationMemoryLimit:
		return fmt.Sprintf("memory limit exceeded: used %d bytes, limit %d bytes", r.Used, r.Limit)
	case TerminationCPULimit:
		return fmt.Sprintf("cpu time limit exceeded: used %dms, limit %dms", r.Used, r.Limit)
	case TerminationFDLimit:
		return fmt.Sprintf("file descriptor limit exceeded: open %d, limit %d", r.Used, r.Limit)
	case TerminationThreadLimit:
		return fmt.Sprintf("thread limit exceeded: running %d, limit %d", r.Used, r.Limit)
	case TerminationConnectionLimit:
		return fmt.Sprintf("connection limit exceeded: open %d, limit %d", r.Used, r.Limit)
	case TerminationHookTimeout:
		return fmt.Sprintf("hook %q timed out: ran %dms, limit %dms", r.HookName, r.Used, r.Limit)
	case TerminationViolationThreshold:
		return fmt.Sprintf("violation threshold crossed: %d violations in %ds", r.ViolationCount, r.WindowSeconds)
	case TerminationCgroupOOMKill:
		return "killed by the kernel oom killer (cgroup memory limit)"
	case TerminationSeccompViolation:
		return fmt.Sprintf("blocked syscall %q attempted", r.Syscall)
	case TerminationHealthCheckFailed:
		return fmt.Sprintf("health check failed %d consecutive times", r.ConsecutiveFailures)
	case TerminationGracefulShutdown:
		return "graceful shutdown requested"
	case TerminationCrashed:
		if r.Signal != "" {
			return fmt.Sprintf("process crashed: signal %s", r.Signal)
		}
		return fmt.Sprintf("process crashed: exit code %d", r.ExitCode)
	case TerminationManual:
		if r.Detail != "" {
			return "manually unmounted: " + r.Detail
		}
		return "manually unmounted"
	default:
		return "unknown termination reason"
	}
}

// IsCritical reports whether the plugin must never be auto-restarted.
// Seccomp violations mean the plugin tried something it was built not to do;
// the violation threshold means policy already decided against it; manual
// means an operator did.
func (r TerminationReason) IsCritical() bool {
	switch r.Kind {
	case TerminationSeccompViolation, TerminationViolationThreshold, TerminationManual:
		return true
	default:
		return false
	}
}

// AllowsRestart reports whether the health monitor may attempt a restart.
func (r TerminationReason) AllowsRestart() bool {
	switch r.Kind {
	case TerminationCrashed, TerminationHealthCheckFailed, TerminationCgroupOOMKill:
		return true
	default:
		return false
	}
}

// TerminationEvent is the record emitted when a plugin is unmounted.
type TerminationEvent struct {
	PluginName   string            `json:"plugin_name"`
	Reason       TerminationReason `json:"reason"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Uptime       time.Duration     `json:"uptime"`
	FinalMetrics *PluginMetrics    `json:"final_metrics,omitempty"`
}
