package plugin

import (
	"sync"
)

// ContextPermissions controls which shared context keys a plugin may touch.
// A single "*" entry grants access to every key.
type ContextPermissions struct {
	Read  []string `json:"read" msgpack:"read"`
	Write []string `json:"write" msgpack:"write"`
}

// FullAccess returns permissions that allow reading and writing every key.
func FullAccess() ContextPermissions {
	return ContextPermissions{Read: []string{"*"}, Write: []string{"*"}}
}

// ReadOnly returns permissions that allow reading every key and writing none.
func ReadOnly() ContextPermissions {
	return ContextPermissions{Read: []string{"*"}}
}

// CanRead reports whether the permissions allow reading key.
func (p ContextPermissions) CanRead(key string) bool {
	return match(p.Read, key)
}

// CanWrite reports whether the permissions allow writing key.
func (p ContextPermissions) CanWrite(key string) bool {
	return match(p.Write, key)
}

func match(allowed []string, key string) bool {
	for _, a := range allowed {
		if a == "*" || a == key {
			return true
		}
	}
	return false
}

// ContextManager is the host side store behind worker context requests.
// Values are opaque byte slices so workers can use any encoding they like.
type ContextManager struct {
	mu     sync.RWMutex
	values map[string][]byte
	perms  map[string]ContextPermissions
}

// NewContextManager creates an empty context manager.
func NewContextManager() *ContextManager {
	return &ContextManager{
		values: make(map[string][]byte),
		perms:  make(map[string]ContextPermissions),
	}
}

// GrantPermissions registers the permission set for a plugin. Plugins without
// a registered set are denied all access.
func (m *ContextManager) GrantPermissions(plugin string, perms ContextPermissions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[plugin] = perms
}

// RevokePermissions removes the permission set for a plugin.
func (m *ContextManager) RevokePermissions(plugin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perms, plugin)
}

// Get returns the value stored under key on behalf of the named plugin.
func (m *ContextManager) Get(plugin, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.perms[plugin].CanRead(key) {
		return nil, false, ErrPermission(plugin, key, "read")
	}
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set stores value under key on behalf of the named plugin.
func (m *ContextManager) Set(plugin, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.perms[plugin].CanWrite(key) {
		return ErrPermission(plugin, key, "write")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

// Has reports whether key exists, on behalf of the named plugin.
func (m *ContextManager) Has(plugin, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.perms[plugin].CanRead(key) {
		return false, ErrPermission(plugin, key, "read")
	}
	_, ok := m.values[key]
	return ok, nil
}

// Put stores a value directly, bypassing permission checks. It is meant for
// host code seeding the context before plugins run.
func (m *ContextManager) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
}

// Keys returns the stored keys. Host side helper, no permission check.
func (m *ContextManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys
}

// Context carries shared host resources through an in-process hook chain.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates an empty hook context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}
