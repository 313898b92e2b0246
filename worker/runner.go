package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/enclave-dev/enclave/ipc"
)

// Runner drives one plugin over one channel: it answers the host's
// requests in order and routes stray context responses to the proxy.
type Runner struct {
	name    string
	channel *ipc.Channel
	proxy   *ipc.ContextProxy
	plug    Plugin

	mu          sync.Mutex
	hooks       map[string]HookFunc
	initialized bool
}

// NewRunner wires a runner for the named plugin over channel.
func NewRunner(name string, channel *ipc.Channel, plug Plugin) *Runner {
	r := &Runner{
		name:    name,
		channel: channel,
		plug:    plug,
		hooks:   make(map[string]HookFunc),
	}
	r.proxy = ipc.NewContextProxy(channel)
	return r
}

func (r *Runner) registerHook(name string, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized || fn == nil {
		return
	}
	r.hooks[name] = fn
}

func (r *Runner) hook(name string) (HookFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.hooks[name]
	return fn, ok
}

func (r *Runner) send(kind ipc.Kind, payload any) error {
	msg, err := ipc.NewMessage(kind, payload)
	if err != nil {
		return err
	}
	return r.channel.Send(msg)
}

func (r *Runner) sendLog(level, message string) {
	_ = r.send(ipc.KindLogMessage, ipc.LogMessage{
		Level:      level,
		Message:    message,
		PluginName: r.name,
	})
}

// Serve processes host messages until a shutdown request or a transport
// failure. Context responses from the host's reader are intercepted by
// the proxy; everything else is a request the worker must answer.
// Initialize and hook execution run in their own goroutines so the loop
// keeps feeding the proxy while plugin code is blocked on a context call.
func (r *Runner) Serve(ctx context.Context) error {
	defer r.proxy.Abort()
	for {
		msg, err := r.channel.Recv()
		if err != nil {
			return fmt.Errorf("worker: host connection lost: %v", err)
		}
		if r.proxy.HandleResponse(msg) {
			continue
		}

		switch msg.Kind {
		case ipc.KindInitialize:
			go r.handleInitialize(ctx, msg)
		case ipc.KindExecuteHook:
			go r.handleExecuteHook(ctx, msg)
		case ipc.KindPing:
			_ = r.send(ipc.KindPong, nil)
		case ipc.KindTerminationWarning:
			r.handleTerminationWarning(msg)
		case ipc.KindShutdown:
			return r.handleShutdown(ctx, msg)
		default:
			r.sendLog("warn", fmt.Sprintf("unexpected message %s from host", msg.Kind))
		}
	}
}

func (r *Runner) handleInitialize(ctx context.Context, msg ipc.Message) {
	var init ipc.Initialize
	if err := msg.Decode(&init); err != nil {
		_ = r.send(ipc.KindInitializeResponse, ipc.InitializeResponse{Error: err.Error()})
		return
	}

	err := r.plug.Initialize(ctx, &Host{runner: r})
	r.mu.Lock()
	r.initialized = true
	names := make([]ipc.HookRegistration, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, ipc.HookRegistration{Name: name})
	}
	r.mu.Unlock()

	if err != nil {
		_ = r.send(ipc.KindInitializeResponse, ipc.InitializeResponse{Error: err.Error()})
		return
	}
	_ = r.send(ipc.KindInitializeResponse, ipc.InitializeResponse{Success: true})
	if len(names) > 0 {
		_ = r.send(ipc.KindRegisterHooks, ipc.RegisterHooks{Hooks: names})
	}
}

func (r *Runner) handleExecuteHook(ctx context.Context, msg ipc.Message) {
	var req ipc.ExecuteHook
	if err := msg.Decode(&req); err != nil {
		_ = r.send(ipc.KindHookResponse, ipc.HookResponse{Error: err.Error()})
		return
	}
	fn, ok := r.hook(req.HookName)
	if !ok {
		_ = r.send(ipc.KindHookResponse, ipc.HookResponse{
			Error: fmt.Sprintf("hook %q is not registered", req.HookName),
		})
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	hookCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		hookCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type hookResult struct {
		data []byte
		err  error
	}
	done := make(chan hookResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- hookResult{err: fmt.Errorf("hook panicked: %v\n%s", rec, debug.Stack())}
			}
		}()
		data, err := fn(hookCtx, req.Data)
		done <- hookResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		resp := ipc.HookResponse{Result: res.data}
		if res.err != nil {
			resp = ipc.HookResponse{Error: res.err.Error()}
		}
		_ = r.send(ipc.KindHookResponse, resp)
	case <-hookCtx.Done():
		// The hook goroutine is abandoned; the host counts this toward
		// the plugin's violations.
		_ = r.send(ipc.KindHookResponse, ipc.HookResponse{
			Error: fmt.Sprintf("hook %q exceeded its %v timeout", req.HookName, timeout),
		})
	}
}

func (r *Runner) handleTerminationWarning(msg ipc.Message) {
	var warn ipc.TerminationWarning
	if err := msg.Decode(&warn); err != nil {
		return
	}
	if aware, ok := r.plug.(TerminationAware); ok {
		aware.OnTerminationWarning(warn.Reason)
	}
}

func (r *Runner) handleShutdown(ctx context.Context, msg ipc.Message) error {
	var req ipc.Shutdown
	grace := 5 * time.Second
	if err := msg.Decode(&req); err == nil && req.GracePeriodMS > 0 {
		grace = time.Duration(req.GracePeriodMS) * time.Millisecond
	}
	shutCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := r.plug.Shutdown(shutCtx); err != nil {
		r.sendLog("error", fmt.Sprintf("shutdown hook failed: %v", err))
	}
	_ = r.send(ipc.KindShutdownAck, nil)
	return nil
}
