package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/enclave-dev/enclave/event"
	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/metrics"
	"github.com/enclave-dev/enclave/plugin"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testConfig(t))
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// inject registers a plugin entry without spawning a worker, for tests of
// registry behavior that must not depend on a live process.
func inject(t *testing.T, m *Manager, name string, restarts int) *managedPlugin {
	t.Helper()
	cfg := testConfig(t)
	proc, err := NewPluginProcess(name, "/tmp/"+name+".so", limits.Default(), cfg.IPC, nil, nil)
	if err != nil {
		t.Fatalf("NewPluginProcess: %v", err)
	}
	mp := &managedPlugin{
		proc:     proc,
		req:      plugin.DefaultRequirements(name, "1.0.0"),
		tracker:  limits.NewViolationTracker(),
		breaker:  newBreaker(name),
		unmount:  limits.GracefulUnmount(),
		restarts: restarts,
	}
	m.mu.Lock()
	m.plugins[name] = mp
	m.mu.Unlock()
	return mp
}

func TestManagerNotFound(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if _, err := m.ExecuteHook(ctx, "missing", "on_event", nil); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("ExecuteHook: want not-found, got %v", err)
	}
	if err := m.StopPlugin(ctx, "missing"); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("StopPlugin: want not-found, got %v", err)
	}
	if err := m.RestartPlugin(ctx, "missing"); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("RestartPlugin: want not-found, got %v", err)
	}
	if _, err := m.Status("missing"); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("Status: want not-found, got %v", err)
	}
	if _, err := m.GetResourceUsage("missing"); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("GetResourceUsage: want not-found, got %v", err)
	}
}

func TestManagerAlreadyLoaded(t *testing.T) {
	m := testManager(t)
	inject(t, m, "dup", 0)

	req := plugin.DefaultRequirements("dup", "1.0.0")
	err := m.LoadPlugin(context.Background(), "/tmp/dup.so", req)
	if !plugin.IsKind(err, plugin.KindAlreadyLoaded) {
		t.Fatalf("want already-loaded, got %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestLoadPluginRejectsInvalidRequirements(t *testing.T) {
	m := testManager(t)
	req := plugin.DefaultRequirements("", "1.0.0")
	err := m.LoadPlugin(context.Background(), "/tmp/x.so", req)
	if err == nil {
		t.Fatal("expected validation error for empty name")
	}
	if m.Count() != 0 {
		t.Errorf("invalid plugin must not be registered, Count() = %d", m.Count())
	}
}

func TestRestartLimitEnforced(t *testing.T) {
	m := testManager(t)
	inject(t, m, "flappy", 3)

	err := m.RestartPlugin(context.Background(), "flappy")
	if !plugin.IsKind(err, plugin.KindLoad) {
		t.Fatalf("want load error at restart cap, got %v", err)
	}
	// The entry survives: a plugin at the cap stays registered until
	// stopped or unmounted explicitly.
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestResetRestartAttempts(t *testing.T) {
	m := testManager(t)
	mp := inject(t, m, "healed", 3)

	if err := m.ResetRestartAttempts("healed"); err != nil {
		t.Fatalf("ResetRestartAttempts: %v", err)
	}
	if mp.restarts != 0 {
		t.Errorf("restarts = %d, want 0", mp.restarts)
	}
	if got := mp.proc.RestartAttempts(); got != 0 {
		t.Errorf("proc restart attempts = %d, want 0", got)
	}
}

func TestStopPluginRemovesEntry(t *testing.T) {
	m := testManager(t)
	inject(t, m, "short", 0)

	if err := m.StopPlugin(context.Background(), "short"); err != nil {
		t.Fatalf("StopPlugin: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
	if err := m.StopPlugin(context.Background(), "short"); !plugin.IsKind(err, plugin.KindNotFound) {
		t.Errorf("second stop: want not-found, got %v", err)
	}
}

func TestUnmountPublishesTerminationEvent(t *testing.T) {
	m := testManager(t)
	inject(t, m, "victim", 0)

	got := make(chan event.Data, 1)
	m.Events().Subscribe(event.PluginTerminated, func(d event.Data) { got <- d })

	reason := metrics.TerminationReason{
		Kind:           metrics.TerminationViolationThreshold,
		ViolationCount: 6,
		WindowSeconds:  60,
	}
	if err := m.UnmountPlugin(context.Background(), "victim", reason); err != nil {
		t.Fatalf("UnmountPlugin: %v", err)
	}
	select {
	case d := <-got:
		ev, ok := d.Payload.(metrics.TerminationEvent)
		if !ok {
			t.Fatalf("payload is %T, want TerminationEvent", d.Payload)
		}
		if ev.PluginName != "victim" || ev.Reason.Kind != metrics.TerminationViolationThreshold {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("termination event was not published")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after unmount", m.Count())
	}
}

func TestListAndCount(t *testing.T) {
	m := testManager(t)
	inject(t, m, "a", 0)
	inject(t, m, "b", 0)

	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}
	names := m.List()
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("List() = %v, want a and b", names)
	}
}

func TestLoadAfterClose(t *testing.T) {
	m := NewManager(testConfig(t))
	m.Close(context.Background())

	req := plugin.DefaultRequirements("late", "1.0.0")
	err := m.LoadPlugin(context.Background(), "/tmp/late.so", req)
	if !plugin.IsKind(err, plugin.KindShutdown) {
		t.Fatalf("want shutdown error, got %v", err)
	}
}

func TestLoadPluginMissingBinary(t *testing.T) {
	m := testManager(t)
	start := time.Now()
	err := m.LoadPlugin(context.Background(), "/nonexistent/ghost.so", plugin.DefaultRequirements("ghost", "1.0.0"))
	if !plugin.IsKind(err, plugin.KindLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
	// The path check fails before any worker is spawned, so the startup
	// timeout must not be consumed.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("missing binary took %v to reject", elapsed)
	}
	if n := m.Count(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

// Restart bookkeeping is touched from the monitor pool and API calls at
// once; counter reads and writes must stay behind the proper locks.
func TestRestartCounterSynchronized(t *testing.T) {
	m := testManager(t)
	inject(t, m, "busy", 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.RestartPlugin(context.Background(), "busy")
		}()
		go func() {
			defer wg.Done()
			_ = m.ResetRestartAttempts("busy")
		}()
	}
	wg.Wait()
}
