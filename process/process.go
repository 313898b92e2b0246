// Package process manages sandboxed plugin worker processes: spawning,
// the IPC handshake, hook dispatch, health checks and teardown.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/ipc"
	"github.com/enclave-dev/enclave/limits"
	"github.com/enclave-dev/enclave/logging/logger"
	"github.com/enclave-dev/enclave/monitoring"
	"github.com/enclave-dev/enclave/plugin"
	"github.com/enclave-dev/enclave/sandbox"
)

// Status is the lifecycle state of a plugin process. Stopped, Crashed and
// Failed are terminal; a restart constructs a new PluginProcess.
type Status int32

const (
	StatusStarting Status = iota + 1
	StatusRunning
	StatusShuttingDown
	StatusStopped
	StatusCrashed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusStopped:
		return "stopped"
	case StatusCrashed:
		return "crashed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether the state permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed || s == StatusFailed
}

// healthCheckTimeout bounds a single ping/pong round trip.
const healthCheckTimeout = 5 * time.Second

// hookResponseBuffer is added to the caller's hook timeout so the worker's
// own timeout handling gets a chance to answer first.
const hookResponseBuffer = time.Second

// PluginProcess is one plugin running in its own OS process, reachable only
// over its unix socket channel.
type PluginProcess struct {
	name   string
	path   string
	limits limits.ResourceLimits
	ipcCfg *config.IPC
	netns  string

	mu              sync.Mutex
	status          Status
	cmd             *exec.Cmd
	pid             int
	channel         *ipc.Channel
	startTime       time.Time
	lastHealthCheck time.Time
	restartAttempts int

	server *ipc.Server
	box    sandbox.Sandbox
	mon    *monitoring.ResourceMonitor
	ctxm   *plugin.ContextManager

	// callMu serializes IPC round trips to this worker: concurrent hook
	// calls to the same plugin queue up, different plugins proceed freely.
	callMu sync.Mutex

	exitCh  chan struct{}
	exitErr error

	respCh     chan ipc.Message
	readerDone chan struct{}
}

// NewPluginProcess prepares a process for the plugin at path: its socket is
// created immediately, the worker is not spawned until Start.
func NewPluginProcess(name, path string, lim limits.ResourceLimits, ipcCfg *config.IPC, box sandbox.Sandbox, ctxm *plugin.ContextManager) (*PluginProcess, error) {
	if err := lim.Validate(); err != nil {
		return nil, plugin.ErrResourceLimit(name, err.Error())
	}
	server, err := ipc.NewServer(ipcCfg.SocketDir, name)
	if err != nil {
		return nil, plugin.ErrLoad(name, err)
	}
	if box == nil {
		box = sandbox.New(name, lim, nil)
	}
	return &PluginProcess{
		name:   name,
		path:   path,
		limits: lim,
		ipcCfg: ipcCfg,
		status: StatusStarting,
		server: server,
		box:    box,
		ctxm:   ctxm,
	}, nil
}

// Name returns the plugin name.
func (p *PluginProcess) Name() string { return p.name }

// Path returns the plugin binary path.
func (p *PluginProcess) Path() string { return p.path }

// Limits returns the declared resource limits.
func (p *PluginProcess) Limits() limits.ResourceLimits { return p.limits }

// Status returns the current lifecycle state.
func (p *PluginProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// PID returns the worker pid, zero before Start.
func (p *PluginProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Uptime returns how long the worker has been running.
func (p *PluginProcess) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

// RestartAttempts returns how many times the manager restarted this plugin.
func (p *PluginProcess) RestartAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartAttempts
}

func (p *PluginProcess) setRestartAttempts(n int) {
	p.mu.Lock()
	p.restartAttempts = n
	p.mu.Unlock()
}

// Monitor returns the resource monitor, nil before a successful Start.
func (p *PluginProcess) Monitor() *monitoring.ResourceMonitor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mon
}

// Sandbox returns the OS sandbox confining the worker.
func (p *PluginProcess) Sandbox() sandbox.Sandbox { return p.box }

// SetNetworkNamespace makes Start launch the worker inside the named
// network namespace. Must be called before Start.
func (p *PluginProcess) SetNetworkNamespace(ns string) { p.netns = ns }

// workerCommand builds the worker invocation. With a network namespace
// set the worker is entered through ip netns exec; the control socket
// still reaches it because unix sockets live on the filesystem, not in
// the network stack.
func (p *PluginProcess) workerCommand(workerBinary string) *exec.Cmd {
	args := []string{
		"--plugin", p.path,
		"--endpoint", p.server.Path(),
		"--name", p.name,
	}
	if p.netns != "" {
		return exec.Command("ip", append([]string{"netns", "exec", p.netns, workerBinary}, args...)...)
	}
	return exec.Command(workerBinary, args...)
}

// Start spawns the worker and completes the IPC handshake. On any failure
// the worker is killed and the process lands in Failed.
func (p *PluginProcess) Start(ctx context.Context, workerBinary string, timeout time.Duration) error {
	p.mu.Lock()
	if p.status != StatusStarting {
		status := p.status
		p.mu.Unlock()
		return plugin.ErrLoad(p.name, fmt.Errorf("cannot start from state %s", status))
	}
	p.mu.Unlock()

	if err := p.box.Setup(); err != nil {
		logger.Warnf(ctx, "sandbox setup for %s failed, running unconfined: %v", p.name, err)
	}

	cmd := p.workerCommand(workerBinary)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return p.failStart(plugin.ErrLoad(p.name, err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return p.failStart(plugin.ErrLoad(p.name, err))
	}
	if err := cmd.Start(); err != nil {
		return p.failStart(plugin.ErrLoad(p.name, err))
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.exitCh = make(chan struct{})
	p.mu.Unlock()

	go p.captureOutput("stdout", stdout)
	go p.captureOutput("stderr", stderr)
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exitCh)
	}()

	if err := p.box.AddProcess(p.pid); err != nil {
		logger.Warnf(ctx, "could not confine %s (pid %d): %v", p.name, p.pid, err)
	}

	channel, err := p.server.Accept(timeout, p.ipcCfg.ReadTimeout, p.ipcCfg.WriteTimeout)
	if err != nil {
		p.killLocked()
		return p.failStart(plugin.ErrLoad(p.name, fmt.Errorf("worker never connected: %v", err)))
	}

	p.mu.Lock()
	p.channel = channel
	p.respCh = make(chan ipc.Message, 4)
	p.readerDone = make(chan struct{})
	p.mu.Unlock()
	go p.readLoop(channel)

	// Handshake: Initialize must come back positive within the startup
	// timeout or the worker is killed.
	init, err := ipc.NewMessage(ipc.KindInitialize, ipc.Initialize{PluginName: p.name})
	if err == nil {
		err = channel.Send(init)
	}
	if err != nil {
		p.killLocked()
		return p.failStart(plugin.ErrLoad(p.name, err))
	}
	resp, err := p.awaitResponse(ipc.KindInitializeResponse, timeout)
	if err != nil {
		p.killLocked()
		return p.failStart(plugin.ErrLoad(p.name, err))
	}
	var initResp ipc.InitializeResponse
	if err := resp.Decode(&initResp); err != nil {
		p.killLocked()
		return p.failStart(plugin.ErrProtocol(p.name, err.Error()))
	}
	if !initResp.Success {
		p.killLocked()
		return p.failStart(plugin.ErrInit(p.name, initResp.Error))
	}

	p.mu.Lock()
	p.mon = monitoring.NewResourceMonitor(p.name, p.pid, p.limits)
	p.startTime = time.Now()
	p.status = StatusRunning
	p.mu.Unlock()
	logger.Infof(ctx, "plugin %s started (pid %d)", p.name, p.pid)
	return nil
}

func (p *PluginProcess) failStart(err error) error {
	p.mu.Lock()
	p.status = StatusFailed
	p.channel = nil
	p.mu.Unlock()
	_ = p.server.Close()
	_ = p.box.Cleanup()
	return err
}

// captureOutput forwards one worker output stream to the host logger.
func (p *PluginProcess) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.EntryWithFields(nil, map[string]any{
			logger.PluginKey: p.name,
			"stream":         stream,
		}).Info(scanner.Text())
	}
}

// readLoop drains the channel: context requests from the worker are served
// inline, log lines forwarded, responses routed to the awaiting caller.
func (p *PluginProcess) readLoop(channel *ipc.Channel) {
	defer close(p.readerDone)
	for {
		msg, err := channel.Recv()
		if err != nil {
			return
		}
		switch msg.Kind {
		case ipc.KindContextGet, ipc.KindContextSet, ipc.KindContextHas:
			p.serveContext(channel, msg)
		case ipc.KindLogMessage:
			p.forwardLog(msg)
		case ipc.KindRegisterHooks:
			var reg ipc.RegisterHooks
			if err := msg.Decode(&reg); err == nil {
				logger.Debugf(nil, "plugin %s registered %d hooks", p.name, len(reg.Hooks))
			}
		default:
			select {
			case p.respCh <- msg:
			default:
				logger.Warnf(nil, "plugin %s sent unexpected %s, dropped", p.name, msg.Kind)
			}
		}
	}
}

func (p *PluginProcess) serveContext(channel *ipc.Channel, msg ipc.Message) {
	if p.ctxm == nil {
		// No context manager wired: answer every request with a denial so
		// the worker never hangs on a pending id.
		p.ctxm = plugin.NewContextManager()
	}
	switch msg.Kind {
	case ipc.KindContextGet:
		var req ipc.ContextGet
		if msg.Decode(&req) != nil {
			return
		}
		data, found, err := p.ctxm.Get(p.name, req.Key)
		resp := ipc.ContextGetResponse{RequestID: req.RequestID, Found: found, Data: data}
		if err != nil {
			resp.Error = err.Error()
		}
		p.reply(channel, ipc.KindContextGetResponse, resp)
	case ipc.KindContextSet:
		var req ipc.ContextSet
		if msg.Decode(&req) != nil {
			return
		}
		err := p.ctxm.Set(p.name, req.Key, req.Data)
		resp := ipc.ContextSetResponse{RequestID: req.RequestID, Success: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		p.reply(channel, ipc.KindContextSetResponse, resp)
	case ipc.KindContextHas:
		var req ipc.ContextHas
		if msg.Decode(&req) != nil {
			return
		}
		exists, err := p.ctxm.Has(p.name, req.Key)
		resp := ipc.ContextHasResponse{RequestID: req.RequestID, Exists: exists}
		if err != nil {
			resp.Error = err.Error()
		}
		p.reply(channel, ipc.KindContextHasResponse, resp)
	}
}

func (p *PluginProcess) reply(channel *ipc.Channel, kind ipc.Kind, payload any) {
	msg, err := ipc.NewMessage(kind, payload)
	if err == nil {
		err = channel.Send(msg)
	}
	if err != nil {
		logger.Warnf(nil, "replying %s to plugin %s: %v", kind, p.name, err)
	}
}

func (p *PluginProcess) forwardLog(msg ipc.Message) {
	var lm ipc.LogMessage
	if msg.Decode(&lm) != nil {
		return
	}
	entry := logger.EntryWithFields(nil, map[string]any{logger.PluginKey: p.name})
	switch lm.Level {
	case "debug":
		entry.Debug(lm.Message)
	case "warn":
		entry.Warn(lm.Message)
	case "error":
		entry.Error(lm.Message)
	default:
		entry.Info(lm.Message)
	}
}

// drainStale throws away responses left over from round trips that timed
// out, so they cannot be mistaken for the answer to the next request.
// Callers hold callMu, so nothing drained here belongs to a live call.
func (p *PluginProcess) drainStale() {
	for {
		select {
		case msg := <-p.respCh:
			logger.Debugf(nil, "plugin %s: discarding stale %s response", p.name, msg.Kind)
		default:
			return
		}
	}
}

// awaitResponse waits for the next routed response of the wanted kind.
func (p *PluginProcess) awaitResponse(want ipc.Kind, timeout time.Duration) (ipc.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-p.respCh:
		if msg.Kind != want {
			return ipc.Message{}, plugin.ErrProtocol(p.name, fmt.Sprintf("expected %s, got %s", want, msg.Kind))
		}
		return msg, nil
	case <-p.readerDone:
		return ipc.Message{}, plugin.ErrProtocol(p.name, "connection closed")
	case <-timer.C:
		return ipc.Message{}, plugin.ErrTimeout(p.name, want.String(), timeout)
	}
}

// ExecuteHook runs a named hook in the worker. A timeout leaves the process
// running; the caller decides whether it counts as a violation.
func (p *PluginProcess) ExecuteHook(ctx context.Context, hookName string, data []byte, timeout time.Duration) ([]byte, error) {
	p.callMu.Lock()
	defer p.callMu.Unlock()

	p.mu.Lock()
	channel := p.channel
	status := p.status
	p.mu.Unlock()
	if channel == nil || status != StatusRunning {
		return nil, plugin.ErrProtocol(p.name, fmt.Sprintf("no live channel (state %s)", status))
	}

	p.drainStale()
	msg, err := ipc.NewMessage(ipc.KindExecuteHook, ipc.ExecuteHook{
		HookName:  hookName,
		Data:      data,
		TimeoutMS: uint64(timeout.Milliseconds()),
	})
	if err == nil {
		err = channel.Send(msg)
	}
	if err != nil {
		return nil, plugin.ErrHook(p.name, hookName, err)
	}

	resp, err := p.awaitResponse(ipc.KindHookResponse, timeout+hookResponseBuffer)
	if err != nil {
		return nil, err
	}
	var hr ipc.HookResponse
	if err := resp.Decode(&hr); err != nil {
		return nil, plugin.ErrProtocol(p.name, err.Error())
	}
	if hr.Error != "" {
		return nil, plugin.ErrHookMsg(p.name, hookName, hr.Error)
	}
	return hr.Result, nil
}

// HealthCheck pings the worker. Every failure mode reports (false, nil):
// an unhealthy plugin is actionable signal, not a transport error.
func (p *PluginProcess) HealthCheck(ctx context.Context) (bool, error) {
	p.callMu.Lock()
	defer p.callMu.Unlock()

	p.mu.Lock()
	channel := p.channel
	status := p.status
	p.mu.Unlock()
	if channel == nil || status != StatusRunning {
		return false, nil
	}

	p.drainStale()
	msg, err := ipc.NewMessage(ipc.KindPing, nil)
	if err == nil {
		err = channel.Send(msg)
	}
	if err != nil {
		return false, nil
	}
	if _, err := p.awaitResponse(ipc.KindPong, healthCheckTimeout); err != nil {
		return false, nil
	}

	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	p.mu.Unlock()
	return true, nil
}

// SendTerminationWarning tells the worker it is about to be unmounted. Best
// effort; the worker may already be gone.
func (p *PluginProcess) SendTerminationWarning(reason string, grace time.Duration) {
	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()
	if channel == nil {
		return
	}
	msg, err := ipc.NewMessage(ipc.KindTerminationWarning, ipc.TerminationWarning{
		Reason:        reason,
		GracePeriodMS: uint64(grace.Milliseconds()),
	})
	if err == nil {
		_ = channel.Send(msg)
	}
}

// Shutdown stops the worker: best effort Shutdown message, wait up to grace
// for a clean exit, then force kill. Always lands in Stopped with the
// channel cleared, whichever path was taken.
func (p *PluginProcess) Shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.status == StatusStopped {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusShuttingDown
	channel := p.channel
	exitCh := p.exitCh
	p.mu.Unlock()

	if channel != nil {
		msg, err := ipc.NewMessage(ipc.KindShutdown, ipc.Shutdown{GracePeriodMS: uint64(grace.Milliseconds())})
		if err == nil {
			_ = channel.Send(msg)
		}
	}

	if exitCh != nil {
		select {
		case <-exitCh:
			// Clean exit within the grace period.
		case <-time.After(grace):
			logger.Warnf(ctx, "plugin %s ignored shutdown, killing", p.name)
			p.killLocked()
		case <-ctx.Done():
			p.killLocked()
		}
	}

	p.mu.Lock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	p.status = StatusStopped
	p.mu.Unlock()

	_ = p.server.Close()
	if err := p.box.Cleanup(); err != nil {
		logger.Warnf(ctx, "sandbox cleanup for %s: %v", p.name, err)
	}
	return nil
}

// IsRunning polls the worker's exit status without blocking. Detecting an
// exit eagerly transitions to Crashed and clears the channel; this is how a
// silent crash becomes observable state.
func (p *PluginProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning {
		return false
	}
	select {
	case <-p.exitCh:
		logger.Warnf(nil, "plugin %s exited unexpectedly: %v", p.name, p.exitErr)
		p.status = StatusCrashed
		if p.channel != nil {
			_ = p.channel.Close()
			p.channel = nil
		}
		p.cmd = nil
		return false
	default:
		return true
	}
}

// Kill force-terminates the worker without any grace.
func (p *PluginProcess) Kill() {
	p.killLocked()
	p.mu.Lock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if !p.status.Terminal() {
		p.status = StatusStopped
	}
	p.mu.Unlock()
	_ = p.server.Close()
	_ = p.box.Cleanup()
}

func (p *PluginProcess) killLocked() {
	p.mu.Lock()
	cmd := p.cmd
	exitCh := p.exitCh
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	if exitCh != nil {
		select {
		case <-exitCh:
		case <-time.After(2 * time.Second):
			logger.Errorf(nil, "plugin %s did not reap after kill", p.name)
		}
	}
}

// Close releases everything the process holds. If the worker is somehow
// still alive it is killed: no orphan worker may outlive this object.
func (p *PluginProcess) Close() {
	p.Kill()
}
