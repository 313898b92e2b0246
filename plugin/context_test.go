package plugin

import (
	"testing"
)

func TestContextManagerPermissions(t *testing.T) {
	m := NewContextManager()
	m.Put("shared.config", []byte("value"))

	// No permission grant: everything is denied.
	if _, _, err := m.Get("ghost", "shared.config"); !IsKind(err, KindPermission) {
		t.Errorf("ungranted read error = %v", err)
	}

	m.GrantPermissions("reader", ReadOnly())
	data, found, err := m.Get("reader", "shared.config")
	if err != nil || !found || string(data) != "value" {
		t.Errorf("Get = %q, %v, %v", data, found, err)
	}
	if err := m.Set("reader", "shared.config", []byte("nope")); !IsKind(err, KindPermission) {
		t.Errorf("read-only write error = %v", err)
	}

	m.GrantPermissions("writer", FullAccess())
	if err := m.Set("writer", "other.key", []byte("data")); err != nil {
		t.Errorf("full access write failed: %v", err)
	}
	exists, err := m.Has("writer", "other.key")
	if err != nil || !exists {
		t.Errorf("Has = %v, %v", exists, err)
	}
}

func TestContextManagerScopedKeys(t *testing.T) {
	m := NewContextManager()
	m.GrantPermissions("scoped", ContextPermissions{
		Read:  []string{"public.title"},
		Write: []string{"plugin.scoped.state"},
	})
	m.Put("public.title", []byte("hello"))
	m.Put("secret.token", []byte("s3cret"))

	if _, _, err := m.Get("scoped", "secret.token"); !IsKind(err, KindPermission) {
		t.Errorf("out of scope read error = %v", err)
	}
	if _, found, err := m.Get("scoped", "public.title"); err != nil || !found {
		t.Errorf("in scope read = %v, %v", found, err)
	}
	if err := m.Set("scoped", "plugin.scoped.state", []byte("x")); err != nil {
		t.Errorf("in scope write failed: %v", err)
	}
	if err := m.Set("scoped", "public.title", []byte("x")); !IsKind(err, KindPermission) {
		t.Errorf("out of scope write error = %v", err)
	}
}

func TestContextManagerMissingKey(t *testing.T) {
	m := NewContextManager()
	m.GrantPermissions("p", FullAccess())
	data, found, err := m.Get("p", "nope")
	if err != nil || found || data != nil {
		t.Errorf("missing key Get = %q, %v, %v", data, found, err)
	}
	exists, err := m.Has("p", "nope")
	if err != nil || exists {
		t.Errorf("missing key Has = %v, %v", exists, err)
	}
}

func TestRevokePermissions(t *testing.T) {
	m := NewContextManager()
	m.GrantPermissions("p", FullAccess())
	m.RevokePermissions("p")
	if err := m.Set("p", "k", nil); !IsKind(err, KindPermission) {
		t.Errorf("revoked write error = %v", err)
	}
}

func TestRequirementsValidate(t *testing.T) {
	req := DefaultRequirements("analytics", "1.0.0")
	if err := req.Validate(); err != nil {
		t.Errorf("default requirements should validate: %v", err)
	}

	unnamed := DefaultRequirements("", "1.0.0")
	if err := unnamed.Validate(); !IsKind(err, KindLoad) {
		t.Errorf("missing name error = %v", err)
	}

	bad := DefaultRequirements("analytics", "1.0.0")
	bad.Limits.MaxHeapBytes = 0
	if err := bad.Validate(); !IsKind(err, KindResourceLimit) {
		t.Errorf("invalid limits error = %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := ErrNotFound("analytics")
	if !IsKind(err, KindNotFound) || IsKind(err, KindTimeout) {
		t.Error("IsKind misclassified the error")
	}
	wrapped := ErrLoad("analytics", ErrInit("analytics", "bad handshake"))
	if !IsKind(wrapped, KindLoad) {
		t.Error("wrapped error lost its kind")
	}
}
