package plugin

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies plugin subsystem failures.
type ErrorKind int

const (
	// KindLoad indicates the plugin binary could not be loaded or spawned.
	KindLoad ErrorKind = iota + 1
	// KindInit indicates the plugin failed during initialization.
	KindInit
	// KindNotFound indicates the named plugin is not loaded.
	KindNotFound
	// KindAlreadyLoaded indicates a plugin with the same name is already loaded.
	KindAlreadyLoaded
	// KindHook indicates a hook handler returned an error.
	KindHook
	// KindHookNotFound indicates the named hook chain does not exist.
	KindHookNotFound
	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout
	// KindSecurity indicates a trust or signature validation failure.
	KindSecurity
	// KindProtocol indicates malformed or unexpected IPC traffic.
	KindProtocol
	// KindResourceLimit indicates a resource limit violation.
	KindResourceLimit
	// KindPermission indicates a context access the plugin is not allowed to make.
	KindPermission
	// KindShutdown indicates a failure while stopping a plugin.
	KindShutdown
	// KindInternal is a catch-all for host side faults.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindInit:
		return "init"
	case KindNotFound:
		return "not_found"
	case KindAlreadyLoaded:
		return "already_loaded"
	case KindHook:
		return "hook"
	case KindHookNotFound:
		return "hook_not_found"
	case KindTimeout:
		return "timeout"
	case KindSecurity:
		return "security"
	case KindProtocol:
		return "protocol"
	case KindResourceLimit:
		return "resource_limit"
	case KindPermission:
		return "permission"
	case KindShutdown:
		return "shutdown"
	default:
		return "internal"
	}
}

// Error is the error type returned by plugin subsystem operations.
type Error struct {
	Kind   ErrorKind
	Plugin string
	Hook   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("plugin %s error", e.Kind)
	if e.Plugin != "" {
		s += " [" + e.Plugin + "]"
	}
	if e.Hook != "" {
		s += " hook " + e.Hook
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a plugin Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// ErrLoad wraps a spawn or load failure for the named plugin.
func ErrLoad(name string, err error) *Error {
	return &Error{Kind: KindLoad, Plugin: name, Err: err}
}

// ErrInit wraps an initialization failure for the named plugin.
func ErrInit(name string, msg string) *Error {
	return &Error{Kind: KindInit, Plugin: name, Msg: msg}
}

// ErrNotFound reports that the named plugin is not loaded.
func ErrNotFound(name string) *Error {
	return &Error{Kind: KindNotFound, Plugin: name, Msg: "plugin not found"}
}

// ErrAlreadyLoaded reports that the named plugin is already loaded.
func ErrAlreadyLoaded(name string) *Error {
	return &Error{Kind: KindAlreadyLoaded, Plugin: name, Msg: "plugin already loaded"}
}

// ErrHook wraps a hook execution failure.
func ErrHook(plugin, hook string, err error) *Error {
	return &Error{Kind: KindHook, Plugin: plugin, Hook: hook, Err: err}
}

// ErrHookMsg reports a hook execution failure with a worker supplied message.
func ErrHookMsg(plugin, hook, msg string) *Error {
	return &Error{Kind: KindHook, Plugin: plugin, Hook: hook, Msg: msg}
}

// ErrHookNotFound reports that no hook chain exists under the given name.
func ErrHookNotFound(hook string) *Error {
	return &Error{Kind: KindHookNotFound, Hook: hook, Msg: "hook not found"}
}

// ErrTimeout reports that an operation exceeded the given deadline.
func ErrTimeout(plugin, op string, d time.Duration) *Error {
	return &Error{Kind: KindTimeout, Plugin: plugin, Msg: fmt.Sprintf("%s timed out after %s", op, d)}
}

// ErrSecurity wraps a trust or signature validation failure.
func ErrSecurity(name string, err error) *Error {
	return &Error{Kind: KindSecurity, Plugin: name, Err: err}
}

// ErrProtocol reports malformed or unexpected IPC traffic.
func ErrProtocol(plugin, msg string) *Error {
	return &Error{Kind: KindProtocol, Plugin: plugin, Msg: msg}
}

// ErrResourceLimit reports a resource limit violation.
func ErrResourceLimit(plugin, msg string) *Error {
	return &Error{Kind: KindResourceLimit, Plugin: plugin, Msg: msg}
}

// ErrPermission reports a denied context access.
func ErrPermission(plugin, key, op string) *Error {
	return &Error{Kind: KindPermission, Plugin: plugin, Msg: fmt.Sprintf("%s access to %q denied", op, key)}
}

// ErrShutdown wraps a shutdown failure for the named plugin.
func ErrShutdown(name string, err error) *Error {
	return &Error{Kind: KindShutdown, Plugin: name, Err: err}
}

// ErrInternal wraps a host side fault.
func ErrInternal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}
