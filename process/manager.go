package process

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/enclave-dev/enclave/concurrency/pool"
	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/event"
	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/logging/logger"
	"github.com/enclave-dev/enclave/logging/observes"
	"github.com/enclave-dev/enclave/metrics"
	"github.com/enclave-dev/enclave/plugin"
	"github.com/enclave-dev/enclave/sandbox"
	"github.com/enclave-dev/enclave/security"
)

// managedPlugin bundles one running plugin with the bookkeeping that must
// survive process restarts.
type managedPlugin struct {
	proc        *PluginProcess
	req         plugin.Requirements
	tracker     *limits.ViolationTracker
	breaker     *gobreaker.CircuitBreaker
	unmount     limits.UnmountBehavior
	netbox      *sandbox.NetworkSandbox
	stopRefresh context.CancelFunc
	restarts    int
}

// Manager owns every plugin process: loading, hook dispatch, the health
// monitor loop, restarts and terminations.
type Manager struct {
	cfg    *config.Config
	gate   *security.Gate
	events *event.Dispatcher
	checks *pool.Pool
	ctxm   *plugin.ContextManager

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
	closed  bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	defaultUnmount limits.UnmountBehavior
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithGate makes the manager refuse any plugin the trust store rejects.
// Without it plugins load unverified, which is only acceptable in tests
// and development mode.
func WithGate(g *security.Gate) Option {
	return func(m *Manager) { m.gate = g }
}

// WithEvents replaces the manager's event dispatcher.
func WithEvents(d *event.Dispatcher) Option {
	return func(m *Manager) { m.events = d }
}

// WithUnmountBehavior sets the default unmount behavior for plugins that
// do not declare their own.
func WithUnmountBehavior(b limits.UnmountBehavior) Option {
	return func(m *Manager) { m.defaultUnmount = b }
}

// NewManager builds a manager from the loaded configuration.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		events:  event.NewDispatcher(),
		ctxm:    plugin.NewContextManager(),
		plugins: make(map[string]*managedPlugin),
		checks: pool.NewPool(&pool.Config{
			MaxWorkers:  cfg.Monitor.CheckWorkers,
			QueueSize:   cfg.Monitor.CheckQueueSize,
			TaskTimeout: cfg.Monitor.Interval,
		}),
		defaultUnmount: limits.GracefulUnmount(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.checks.Start()
	return m
}

// Events returns the dispatcher plugin lifecycle events are published on.
func (m *Manager) Events() *event.Dispatcher { return m.events }

// ContextManager returns the shared host context store.
func (m *Manager) ContextManager() *plugin.ContextManager { return m.ctxm }

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf(nil, "circuit for plugin %s: %s -> %s", name, from, to)
		},
	})
}

// LoadPlugin verifies, spawns and registers the plugin at path. The name
// and limits come from the plugin's declared requirements.
func (m *Manager) LoadPlugin(ctx context.Context, path string, req plugin.Requirements) error {
	if err := req.Validate(); err != nil {
		return err
	}
	name := req.Name

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return plugin.ErrShutdown(name, fmt.Errorf("manager is closed"))
	}
	if _, ok := m.plugins[name]; ok {
		m.mu.Unlock()
		return plugin.ErrAlreadyLoaded(name)
	}
	if len(m.plugins) >= m.cfg.Process.MaxPlugins {
		m.mu.Unlock()
		return plugin.ErrLoad(name, fmt.Errorf("plugin limit reached (%d)", m.cfg.Process.MaxPlugins))
	}
	// Reserve the name so concurrent loads of the same plugin collide here
	// rather than after both spawned a worker.
	m.plugins[name] = nil
	m.mu.Unlock()

	mp, err := m.spawn(ctx, path, req)
	if err != nil {
		m.mu.Lock()
		delete(m.plugins, name)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.plugins[name] = mp
	m.mu.Unlock()

	m.events.Publish(event.PluginLoaded, name, map[string]any{"path": path, "pid": mp.proc.PID()})
	return nil
}

// spawn runs the full per-process startup: trust check, sandboxes, worker
// launch and handshake. Used by both LoadPlugin and RestartPlugin.
func (m *Manager) spawn(ctx context.Context, path string, req plugin.Requirements) (*managedPlugin, error) {
	name := req.Name
	if _, err := os.Stat(path); err != nil {
		return nil, plugin.ErrLoad(name, fmt.Errorf("plugin binary: %v", err))
	}
	if m.gate != nil {
		if err := m.gate.ValidatePlugin(path); err != nil {
			return nil, plugin.ErrSecurity(name, err)
		}
	} else {
		logger.Warnf(ctx, "loading plugin %s without trust verification", name)
	}

	m.ctxm.GrantPermissions(name, req.Permissions)

	box := sandbox.New(name, req.Limits, m.cfg.Sandbox)
	proc, err := NewPluginProcess(name, path, req.Limits, m.cfg.IPC, box, m.ctxm)
	if err != nil {
		return nil, err
	}

	var netbox *sandbox.NetworkSandbox
	var stopRefresh context.CancelFunc
	if m.cfg.Sandbox != nil && m.cfg.Sandbox.NetworkIsolation {
		netbox = sandbox.NewNetworkSandbox(name, req.Network)
		if err := netbox.Apply(); err != nil {
			// A declared policy that cannot be enforced must not load.
			_ = netbox.Cleanup()
			proc.Close()
			m.ctxm.RevokePermissions(name)
			return nil, plugin.ErrLoad(name, fmt.Errorf("network isolation unavailable: %v", err))
		}
		// The worker starts inside the namespace so the firewall rules
		// actually police its traffic.
		proc.SetNetworkNamespace(netbox.Namespace())
		if m.cfg.Sandbox.DomainRefreshSeconds > 0 {
			var refreshCtx context.Context
			refreshCtx, stopRefresh = context.WithCancel(context.Background())
			go netbox.RefreshLoop(refreshCtx, time.Duration(m.cfg.Sandbox.DomainRefreshSeconds)*time.Second)
		}
	} else if !req.Network.AllowAllOutbound || len(req.Network.Targets) > 0 {
		logger.Warnf(ctx, "plugin %s declares a network policy but network isolation is disabled", name)
	}

	if err := proc.Start(ctx, m.cfg.Process.WorkerBinary, m.cfg.Process.StartupTimeout); err != nil {
		if stopRefresh != nil {
			stopRefresh()
		}
		if netbox != nil {
			_ = netbox.Cleanup()
		}
		m.ctxm.RevokePermissions(name)
		return nil, err
	}

	return &managedPlugin{
		proc:        proc,
		req:         req,
		tracker:     limits.NewViolationTrackerWith(m.cfg.Monitor.ViolationWindow, m.cfg.Monitor.MaxViolations),
		breaker:     newBreaker(name),
		unmount:     m.defaultUnmount,
		netbox:      netbox,
		stopRefresh: stopRefresh,
	}, nil
}

func (m *Manager) get(name string) (*managedPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[name]
	if !ok || mp == nil {
		return nil, plugin.ErrNotFound(name)
	}
	return mp, nil
}

// ExecuteHook dispatches a hook to the named plugin through its circuit
// breaker. The plugin's declared hook timeout applies; a timeout is
// recorded as a violation but does not kill the process.
func (m *Manager) ExecuteHook(ctx context.Context, pluginName, hookName string, data []byte) ([]byte, error) {
	mp, err := m.get(pluginName)
	if err != nil {
		return nil, err
	}

	timeout := mp.req.Limits.HookTimeout
	started := time.Now()
	result, err := mp.breaker.Execute(func() (any, error) {
		return mp.proc.ExecuteHook(ctx, hookName, data, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, plugin.ErrHookMsg(pluginName, hookName, "circuit open: plugin is failing")
		}
		if plugin.IsKind(err, plugin.KindTimeout) {
			v := mp.tracker.Record(limits.HookTimeout(hookName,
				uint64(time.Since(started).Milliseconds()), uint64(timeout.Milliseconds())))
			m.publishViolation(pluginName, v)
			m.maybeUnmount(ctx, pluginName, mp)
		}
		return nil, err
	}
	out, _ := result.([]byte)
	return out, nil
}

// StopPlugin gracefully stops a plugin and removes it from the registry.
// The entry is removed before the shutdown so no new hook calls race it.
func (m *Manager) StopPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	mp, ok := m.plugins[name]
	if !ok || mp == nil {
		m.mu.Unlock()
		return plugin.ErrNotFound(name)
	}
	delete(m.plugins, name)
	m.mu.Unlock()

	m.teardown(ctx, mp, m.cfg.Process.ShutdownGracePeriod)
	m.events.Publish(event.PluginStopped, name, nil)
	return nil
}

func (m *Manager) teardown(ctx context.Context, mp *managedPlugin, grace time.Duration) {
	name := mp.proc.Name()
	if err := mp.proc.Shutdown(ctx, grace); err != nil {
		logger.Warnf(ctx, "shutting down plugin %s: %v", name, err)
	}
	if mp.stopRefresh != nil {
		mp.stopRefresh()
	}
	if mp.netbox != nil {
		if err := mp.netbox.Cleanup(); err != nil {
			logger.Warnf(ctx, "network sandbox cleanup for %s: %v", name, err)
		}
	}
	m.ctxm.RevokePermissions(name)
}

// RestartPlugin stops and re-spawns a plugin. The restart counter is
// checked first and only ever reset through ResetRestartAttempts; a plugin
// that keeps dying runs out of attempts and stays down.
func (m *Manager) RestartPlugin(ctx context.Context, name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	m.mu.RLock()
	restarts := mp.restarts
	m.mu.RUnlock()
	if restarts >= m.cfg.Process.MaxRestartAttempts {
		return plugin.ErrLoad(name, fmt.Errorf("restart limit reached (%d attempts)", restarts))
	}

	// Stop errors are ignored: the process is often already dead when a
	// restart is requested.
	m.teardown(ctx, mp, m.cfg.Process.ShutdownGracePeriod)

	if cooldown := m.cfg.Process.RestartCooldown; cooldown > 0 {
		select {
		case <-time.After(cooldown):
		case <-ctx.Done():
			m.removePlugin(name)
			return ctx.Err()
		}
	}

	fresh, err := m.spawn(ctx, mp.proc.Path(), mp.req)
	if err != nil {
		m.removePlugin(name)
		return err
	}

	attempt := restarts + 1
	fresh.proc.setRestartAttempts(attempt)
	m.mu.Lock()
	fresh.restarts = attempt
	m.plugins[name] = fresh
	m.mu.Unlock()

	m.events.Publish(event.PluginRestarted, name, map[string]any{"attempt": attempt})
	logger.Infof(ctx, "plugin %s restarted (attempt %d of %d)", name, attempt, m.cfg.Process.MaxRestartAttempts)
	return nil
}

// ReloadPlugin restarts a plugin after its binary changed on disk. The
// restart counter is cleared first: a fresh binary earns a fresh budget.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) error {
	if err := m.ResetRestartAttempts(name); err != nil {
		return err
	}
	if err := m.RestartPlugin(ctx, name); err != nil {
		return err
	}
	m.events.Publish(event.PluginReloaded, name, nil)
	return nil
}

// ResetRestartAttempts clears the restart counter, typically after a
// plugin binary was updated on disk.
func (m *Manager) ResetRestartAttempts(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	mp.restarts = 0
	m.mu.Unlock()
	mp.proc.setRestartAttempts(0)
	return nil
}

func (m *Manager) removePlugin(name string) {
	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()
}

// UnmountPlugin forcibly terminates a plugin for the given reason,
// honoring its unmount behavior, and emits a termination event carrying
// the final resource metrics.
func (m *Manager) UnmountPlugin(ctx context.Context, name string, reason metrics.TerminationReason) error {
	m.mu.Lock()
	mp, ok := m.plugins[name]
	if !ok || mp == nil {
		m.mu.Unlock()
		return plugin.ErrNotFound(name)
	}
	delete(m.plugins, name)
	m.mu.Unlock()

	var final *metrics.PluginMetrics
	if mon := mp.proc.Monitor(); mon != nil {
		final, _ = mon.CollectMetrics()
	}
	uptime := mp.proc.Uptime()

	grace := mp.unmount.GracePeriod
	if reason.IsCritical() {
		grace = 0
	}
	if grace > 0 && mp.unmount.RunShutdownHook {
		mp.proc.SendTerminationWarning(reason.Description(), grace)
	}
	m.teardown(ctx, mp, grace)

	ev := metrics.TerminationEvent{
		PluginName:   name,
		Reason:       reason,
		OccurredAt:   time.Now(),
		Uptime:       uptime,
		FinalMetrics: final,
	}
	m.events.Publish(event.PluginTerminated, name, ev)
	logger.Warnf(ctx, "plugin %s terminated: %s", name, reason.Description())
	if reason.IsCritical() {
		observes.CaptureError(fmt.Errorf("plugin terminated: %s", reason.Description()), name)
	}
	return nil
}

func (m *Manager) publishViolation(name string, v limits.Violation) {
	m.events.Publish(event.PluginViolation, name, v)
	logger.Warnf(nil, "plugin %s violation: %s (%s)", name, v.Type, v.Severity)
}

// maybeUnmount terminates the plugin when its recent violations cross the
// threshold. Must be called without the manager lock held.
func (m *Manager) maybeUnmount(ctx context.Context, name string, mp *managedPlugin) {
	if !mp.tracker.ShouldUnmount() || !mp.unmount.AutoUnmount {
		return
	}
	_ = m.UnmountPlugin(ctx, name, metrics.TerminationReason{
		Kind:           metrics.TerminationViolationThreshold,
		ViolationCount: mp.tracker.Count(),
		WindowSeconds:  int(m.cfg.Monitor.ViolationWindow.Seconds()),
	})
}

// GetResourceUsage samples the plugin's current resource metrics. Cgroup
// accounting overrides the /proc numbers when the sandbox provides it,
// since the cgroup view includes short-lived children.
func (m *Manager) GetResourceUsage(name string) (*metrics.PluginMetrics, error) {
	mp, err := m.get(name)
	if err != nil {
		return nil, err
	}
	mon := mp.proc.Monitor()
	if mon == nil {
		return nil, plugin.ErrInternal(fmt.Sprintf("plugin %s has no monitor", name), nil)
	}
	sample, err := mon.CollectMetrics()
	if err != nil {
		return nil, err
	}
	if box := mp.proc.Sandbox(); box.Supported() {
		if mem, err := box.MemoryUsage(); err == nil {
			sample.Memory.RSSBytes = mem
			sample.Source = metrics.SourceCgroup
		}
		if cpu, err := box.CPUUsage(); err == nil {
			sample.CPU.UserTime = cpu
		}
	}
	return sample, nil
}

// Status reports a plugin's lifecycle state.
func (m *Manager) Status(name string) (Status, error) {
	mp, err := m.get(name)
	if err != nil {
		return 0, err
	}
	return mp.proc.Status(), nil
}

// Count returns how many plugins are currently registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// List returns the names of all registered plugins.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name, mp := range m.plugins {
		if mp != nil {
			names = append(names, name)
		}
	}
	return names
}

// StartHealthMonitor begins the periodic health loop. Each tick walks the
// registry and offloads per-plugin checks to the worker pool so one stuck
// plugin cannot stall the others.
func (m *Manager) StartHealthMonitor(ctx context.Context) {
	m.mu.Lock()
	if m.monitorCancel != nil || m.closed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.monitorCancel = cancel
	m.monitorDone = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.monitorDone)
		ticker := time.NewTicker(m.cfg.Monitor.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// StopHealthMonitor stops the health loop and waits for it to exit.
func (m *Manager) StopHealthMonitor() {
	m.mu.Lock()
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	snapshot := make(map[string]*managedPlugin, len(m.plugins))
	for name, mp := range m.plugins {
		if mp != nil {
			snapshot[name] = mp
		}
	}
	m.mu.RUnlock()

	for name, mp := range snapshot {
		name, mp := name, mp
		err := m.checks.Submit(func() error {
			m.checkPlugin(ctx, name, mp)
			return nil
		})
		if err != nil {
			logger.Warnf(ctx, "health check for %s skipped: %v", name, err)
		}
	}
}

// checkPlugin is one monitor pass over a single plugin: liveness first,
// then kernel-level kills, then resource violations, then responsiveness.
func (m *Manager) checkPlugin(ctx context.Context, name string, mp *managedPlugin) {
	if !mp.proc.IsRunning() {
		m.handleCrash(ctx, name, mp)
		return
	}

	if kills, err := mp.proc.Sandbox().OOMKills(); err == nil && kills > 0 {
		m.events.Publish(event.PluginCrashed, name, map[string]any{"oom_kills": kills})
		_ = m.UnmountPlugin(ctx, name, metrics.TerminationReason{Kind: metrics.TerminationCgroupOOMKill})
		m.tryRestart(ctx, name, metrics.TerminationReason{Kind: metrics.TerminationCgroupOOMKill}, mp)
		return
	}

	if mon := mp.proc.Monitor(); mon != nil {
		violations, err := mon.CheckViolations()
		if err != nil {
			logger.Debugf(ctx, "sampling %s: %v", name, err)
		}
		for _, vt := range violations {
			v := mp.tracker.Record(vt)
			m.publishViolation(name, v)
		}
		if len(violations) > 0 {
			m.maybeUnmount(ctx, name, mp)
			if _, err := m.get(name); err != nil {
				return
			}
		}
	}

	// An unresponsive but alive plugin is logged, not killed: it may be
	// inside a long hook and the hook timeout already polices that.
	if healthy, _ := mp.proc.HealthCheck(ctx); !healthy {
		logger.Warnf(ctx, "plugin %s failed health check", name)
	}
}

func (m *Manager) handleCrash(ctx context.Context, name string, mp *managedPlugin) {
	reason := metrics.TerminationReason{Kind: metrics.TerminationCrashed}
	m.events.Publish(event.PluginCrashed, name, nil)
	logger.Errorf(ctx, "plugin %s crashed", name)
	m.tryRestart(ctx, name, reason, mp)
}

func (m *Manager) tryRestart(ctx context.Context, name string, reason metrics.TerminationReason, mp *managedPlugin) {
	if !reason.AllowsRestart() {
		m.removePlugin(name)
		return
	}
	if _, err := m.get(name); err != nil {
		// Already unmounted; re-register so RestartPlugin can find it.
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.plugins[name] = mp
		m.mu.Unlock()
	}
	if err := m.RestartPlugin(ctx, name); err != nil {
		logger.Errorf(ctx, "plugin %s could not be restarted: %v", name, err)
		m.removePlugin(name)
	}
}

// StopAll gracefully stops every plugin.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := m.plugins
	m.plugins = make(map[string]*managedPlugin)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, mp := range all {
		if mp == nil {
			continue
		}
		wg.Add(1)
		go func(name string, mp *managedPlugin) {
			defer wg.Done()
			m.teardown(ctx, mp, m.cfg.Process.ShutdownGracePeriod)
			m.events.Publish(event.PluginStopped, name, nil)
		}(name, mp)
	}
	wg.Wait()
}

// Close stops the monitor, all plugins and the worker pool.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.StopHealthMonitor()
	m.StopAll(ctx)
	m.checks.Stop(ctx)
}
