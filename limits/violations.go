package limits

import (
	"fmt"
	"sync"
	"time"
)

// Severity is a total order over violation seriousness.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ViolationKind identifies which limit was exceeded.
type ViolationKind int

const (
	ViolationHeapMemory ViolationKind = iota + 1
	ViolationCPUTime
	ViolationFileDescriptors
	ViolationThreads
	ViolationConnections
	ViolationDatabaseQuery
	ViolationExternalAPI
	ViolationHookTimeout
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationHeapMemory:
		return "heap_memory"
	case ViolationCPUTime:
		return "cpu_time"
	case ViolationFileDescriptors:
		return "file_descriptors"
	case ViolationThreads:
		return "threads"
	case ViolationConnections:
		return "connections"
	case ViolationDatabaseQuery:
		return "database_query"
	case ViolationExternalAPI:
		return "external_api"
	case ViolationHookTimeout:
		return "hook_timeout"
	default:
		return fmt.Sprintf("violation(%d)", int(k))
	}
}

// Severity maps a violation kind to its fixed severity. Memory exhaustion is
// immediately critical; CPU and hook timeouts are high; slow database and
// external API calls are medium; everything else is low.
func (k ViolationKind) Severity() Severity {
	switch k {
	case ViolationHeapMemory:
		return SeverityCritical
	case ViolationCPUTime, ViolationHookTimeout:
		return SeverityHigh
	case ViolationDatabaseQuery, ViolationExternalAPI:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ViolationType describes one observed limit breach.
type ViolationType struct {
	Kind     ViolationKind
	Used     uint64
	Limit    uint64
	HookName string
}

func (v ViolationType) String() string {
	if v.HookName != "" {
		return fmt.Sprintf("%s [%s]: used %d, limit %d", v.Kind, v.HookName, v.Used, v.Limit)
	}
	return fmt.Sprintf("%s: used %d, limit %d", v.Kind, v.Used, v.Limit)
}

// HeapMemory builds a heap memory violation.
func HeapMemory(used, limit uint64) ViolationType {
	return ViolationType{Kind: ViolationHeapMemory, Used: used, Limit: limit}
}

// CPUTime builds a CPU time violation; values are milliseconds.
func CPUTime(usedMS, limitMS uint64) ViolationType {
	return ViolationType{Kind: ViolationCPUTime, Used: usedMS, Limit: limitMS}
}

// FileDescriptors builds a file descriptor count violation.
func FileDescriptors(used, limit uint64) ViolationType {
	return ViolationType{Kind: ViolationFileDescriptors, Used: used, Limit: limit}
}

// Threads builds a thread count violation.
func Threads(used, limit uint64) ViolationType {
	return ViolationType{Kind: ViolationThreads, Used: used, Limit: limit}
}

// Connections builds a connection count violation.
func Connections(used, limit uint64) ViolationType {
	return ViolationType{Kind: ViolationConnections, Used: used, Limit: limit}
}

// DatabaseQuery builds a slow database query violation; values are milliseconds.
func DatabaseQuery(durationMS, limitMS uint64) ViolationType {
	return ViolationType{Kind: ViolationDatabaseQuery, Used: durationMS, Limit: limitMS}
}

// ExternalAPI builds a slow external API call violation; values are milliseconds.
func ExternalAPI(durationMS, limitMS uint64) ViolationType {
	return ViolationType{Kind: ViolationExternalAPI, Used: durationMS, Limit: limitMS}
}

// HookTimeout builds a hook timeout violation; values are milliseconds.
func HookTimeout(hookName string, durationMS, limitMS uint64) ViolationType {
	return ViolationType{Kind: ViolationHookTimeout, Used: durationMS, Limit: limitMS, HookName: hookName}
}

// Violation is one recorded breach with its severity and time of record.
type Violation struct {
	Type      ViolationType
	Severity  Severity
	Timestamp time.Time
}

// ViolationTracker keeps a time-windowed record of a plugin's violations and
// decides when the aggregate warrants unmounting.
type ViolationTracker struct {
	mu            sync.Mutex
	violations    []Violation
	window        time.Duration
	maxViolations int
	now           func() time.Time
}

// NewViolationTracker creates a tracker with the default 60s window and a
// maximum of 5 violations.
func NewViolationTracker() *ViolationTracker {
	return NewViolationTrackerWith(60*time.Second, 5)
}

// NewViolationTrackerWith creates a tracker with an explicit window and cap.
func NewViolationTrackerWith(window time.Duration, maxViolations int) *ViolationTracker {
	return &ViolationTracker{
		window:        window,
		maxViolations: maxViolations,
		now:           time.Now,
	}
}

// Record appends a violation stamped with the current time. Severity is
// derived from the violation kind.
func (t *ViolationTracker) Record(v ViolationType) Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := Violation{Type: v, Severity: v.Kind.Severity(), Timestamp: t.now()}
	t.violations = append(t.violations, rec)
	return rec
}

// ShouldUnmount purges entries older than the window, then reports whether
// the remaining violations cross any termination threshold: total count at
// the cap, any critical entry, or three or more high-severity entries.
func (t *ViolationTracker) ShouldUnmount() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()

	if len(t.violations) >= t.maxViolations {
		return true
	}
	high := 0
	for _, v := range t.violations {
		if v.Severity == SeverityCritical {
			return true
		}
		if v.Severity >= SeverityHigh {
			high++
		}
	}
	return high >= 3
}

// Count purges stale entries and returns the number still in the window.
func (t *ViolationTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()
	return len(t.violations)
}

// Recent purges stale entries and returns a copy of those remaining.
func (t *ViolationTracker) Recent() []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()
	out := make([]Violation, len(t.violations))
	copy(out, t.violations)
	return out
}

// Reset drops every recorded violation.
func (t *ViolationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.violations = t.violations[:0]
}

func (t *ViolationTracker) purge() {
	cutoff := t.now().Add(-t.window)
	kept := t.violations[:0]
	for _, v := range t.violations {
		if v.Timestamp.After(cutoff) {
			kept = append(kept, v)
		}
	}
	t.violations = kept
}
