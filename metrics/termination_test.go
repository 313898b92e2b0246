package metrics

import (
	"strings"
	"testing"
)

func TestTerminationCriticality(t *testing.T) {
	tests := []struct {
		kind     TerminationKind
		critical bool
		restart  bool
	}{
		{TerminationSeccompViolation, true, false},
		{TerminationViolationThreshold, true, false},
		{TerminationManual, true, false},
		{TerminationCrashed, false, true},
		{TerminationHealthCheckFailed, false, true},
		{TerminationCgroupOOMKill, false, true},
		{TerminationMemoryLimit, false, false},
		{TerminationGracefulShutdown, false, false},
	}
	for _, tt := range tests {
		r := TerminationReason{Kind: tt.kind}
		if got := r.IsCritical(); got != tt.critical {
			t.Errorf("kind %d IsCritical = %v, want %v", tt.kind, got, tt.critical)
		}
		if got := r.AllowsRestart(); got != tt.restart {
			t.Errorf("kind %d AllowsRestart = %v, want %v", tt.kind, got, tt.restart)
		}
	}
}

func TestTerminationDescriptions(t *testing.T) {
	mem := TerminationReason{Kind: TerminationMemoryLimit, Used: 1024, Limit: 512}
	if !strings.Contains(mem.Description(), "1024") || !strings.Contains(mem.Description(), "512") {
		t.Errorf("memory description missing values: %s", mem.Description())
	}
	hook := TerminationReason{Kind: TerminationHookTimeout, HookName: "on_request", Used: 35000, Limit: 30000}
	if !strings.Contains(hook.Description(), "on_request") {
		t.Errorf("hook description missing hook name: %s", hook.Description())
	}
	crashSig := TerminationReason{Kind: TerminationCrashed, Signal: "SIGSEGV"}
	if !strings.Contains(crashSig.Description(), "SIGSEGV") {
		t.Errorf("crash description missing signal: %s", crashSig.Description())
	}
}
