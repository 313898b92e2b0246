// Package worker is the runtime that hosts a single plugin inside its own
// process. The enclave-worker binary loads the plugin shared object, dials
// the host socket named on its command line and serves the host's requests
// until told to shut down.
package worker

import (
	"context"
	"fmt"
	goplugin "plugin"

	"github.com/enclave-dev/enclave/ipc"
	"github.com/enclave-dev/enclave/plugin"
)

// entrySymbol is the exported constructor every plugin shared object must
// provide: func NewPlugin() worker.Plugin.
const entrySymbol = "NewPlugin"

// HookFunc handles one hook invocation. The context carries the host's
// declared timeout for the hook.
type HookFunc func(ctx context.Context, data []byte) ([]byte, error)

// Plugin is the contract a plugin shared object implements.
type Plugin interface {
	// Requirements declares the plugin's identity, limits and permissions.
	Requirements() plugin.Requirements
	// Initialize is called once after the IPC handshake. Hooks must be
	// registered on the host handle here; registration after Initialize
	// returns is ignored.
	Initialize(ctx context.Context, host *Host) error
	// Shutdown is called with the host's grace period as context deadline.
	Shutdown(ctx context.Context) error
}

// TerminationAware is optionally implemented by plugins that want advance
// notice before a forced unmount.
type TerminationAware interface {
	OnTerminationWarning(reason string)
}

// Host is the plugin's view of the hosting process: shared context access,
// hook registration and log forwarding.
type Host struct {
	runner *Runner
}

// RegisterHook binds fn to the named hook. Only valid during Initialize.
func (h *Host) RegisterHook(name string, fn HookFunc) {
	h.runner.registerHook(name, fn)
}

// Context returns the proxy to the host's shared context store.
func (h *Host) Context() *ipc.ContextProxy {
	return h.runner.proxy
}

// Logf forwards a log line to the host's logger at the given level
// ("debug", "info", "warn" or "error").
func (h *Host) Logf(level, format string, args ...any) {
	h.runner.sendLog(level, fmt.Sprintf(format, args...))
}

// Load opens the shared object at path and resolves its plugin constructor.
func Load(path string) (Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("worker: open plugin %s: %v", path, err)
	}
	sym, err := so.Lookup(entrySymbol)
	if err != nil {
		return nil, fmt.Errorf("worker: plugin %s does not export %s: %v", path, entrySymbol, err)
	}
	ctor, ok := sym.(func() Plugin)
	if !ok {
		return nil, fmt.Errorf("worker: %s in %s has type %T, want func() Plugin", entrySymbol, path, sym)
	}
	p := ctor()
	if p == nil {
		return nil, fmt.Errorf("worker: %s in %s returned nil", entrySymbol, path)
	}
	return p, nil
}

// Run is the whole worker lifecycle: load the plugin, dial the host and
// serve until shutdown. Used by the enclave-worker main.
func Run(ctx context.Context, pluginPath, endpoint, name string) error {
	p, err := Load(pluginPath)
	if err != nil {
		return err
	}
	channel, err := ipc.Dial(endpoint, 0, 0)
	if err != nil {
		return fmt.Errorf("worker: connect to host: %v", err)
	}
	defer channel.Close()

	return NewRunner(name, channel, p).Serve(ctx)
}
