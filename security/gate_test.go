package security

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newTestGate(t *testing.T) (*Gate, []byte) {
	t.Helper()
	key := testKey(t)
	gate := NewGate(filepath.Join(t.TempDir(), "trust.bin"))
	if err := gate.InitializeWithKey(key); err != nil {
		t.Fatalf("initialize gate: %v", err)
	}
	return gate, key
}

func writePlugin(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.so")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return path
}

func TestValidateUnknownPlugin(t *testing.T) {
	gate, _ := newTestGate(t)
	path := writePlugin(t, []byte("unknown plugin content"))

	err := gate.ValidatePlugin(path)
	if err == nil {
		t.Fatal("validating an untrusted plugin should fail")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("not in the trust store")) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateTrustedPlugin(t *testing.T) {
	gate, _ := newTestGate(t)
	content := []byte("plugin binary contents")
	path := writePlugin(t, content)

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := gate.AddPublicKey(kp.Public("test")); err != nil {
		t.Fatalf("add public key: %v", err)
	}
	sig := kp.Sign(content, nil)
	if _, err := gate.AddTrustedPlugin(path, Version{Major: 1}, sig, "test plugin"); err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}

	if err := gate.ValidatePlugin(path); err != nil {
		t.Errorf("trusted and signed plugin should validate: %v", err)
	}
}

func TestValidateRejectsUnlistedKey(t *testing.T) {
	gate, _ := newTestGate(t)
	content := []byte("plugin signed by stranger")
	path := writePlugin(t, content)

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	// Entry exists but the signing key was never allow-listed.
	sig := kp.Sign(content, nil)
	if _, err := gate.AddTrustedPlugin(path, Version{Major: 1}, sig, ""); err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}

	err = gate.ValidatePlugin(path)
	if err == nil {
		t.Fatal("signature from an unlisted key should be rejected")
	}
}

func TestValidateRejectsTamperedFile(t *testing.T) {
	gate, _ := newTestGate(t)
	content := []byte("original plugin contents")
	path := writePlugin(t, content)

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := gate.AddPublicKey(kp.Public("test")); err != nil {
		t.Fatalf("add public key: %v", err)
	}
	sig := kp.Sign(content, nil)
	if _, err := gate.AddTrustedPlugin(path, Version{Major: 1}, sig, ""); err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}

	// Flip one byte after signing: the hash no longer matches any entry.
	tampered := append([]byte(nil), content...)
	tampered[0] ^= 0xff
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("tamper with plugin: %v", err)
	}
	if err := gate.ValidatePlugin(path); err == nil {
		t.Error("tampered plugin should not validate")
	}
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	key := testKey(t)
	storePath := filepath.Join(t.TempDir(), "trust.bin")
	content := []byte("persisted plugin")
	path := writePlugin(t, content)

	gate := NewGate(storePath)
	if err := gate.InitializeWithKey(key); err != nil {
		t.Fatalf("initialize gate: %v", err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := gate.AddPublicKey(kp.Public("persisted")); err != nil {
		t.Fatalf("add public key: %v", err)
	}
	hash, err := gate.AddTrustedPlugin(path, Version{Major: 2, Minor: 1}, kp.Sign(content, nil), "")
	if err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}
	gate.Close()

	reloaded := NewGate(storePath)
	if err := reloaded.InitializeWithKey(key); err != nil {
		t.Fatalf("reload gate: %v", err)
	}
	if !reloaded.IsTrustedHash(hash) {
		t.Error("trusted hash should survive a reload")
	}
	if err := reloaded.ValidatePlugin(path); err != nil {
		t.Errorf("plugin should validate after reload: %v", err)
	}
	entry, ok := reloaded.Entry(hash)
	if !ok || entry.Version.String() != "2.1.0" {
		t.Errorf("entry after reload = %+v, ok=%v", entry, ok)
	}
}

func TestStoreWrongKeyIsHardError(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "trust.bin")
	gate := NewGate(storePath)
	if err := gate.InitializeWithKey(testKey(t)); err != nil {
		t.Fatalf("initialize gate: %v", err)
	}
	kp, _ := GenerateKeyPair()
	if err := gate.AddPublicKey(kp.Public("k")); err != nil {
		t.Fatalf("add public key: %v", err)
	}
	gate.Close()

	other := NewGate(storePath)
	if err := other.InitializeWithKey(testKey(t)); err == nil {
		t.Error("decrypting the store with the wrong key must fail")
	}
}

func TestStoreFileIsOpaque(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "trust.bin")
	gate := NewGate(storePath)
	if err := gate.InitializeWithKey(testKey(t)); err != nil {
		t.Fatalf("initialize gate: %v", err)
	}
	content := []byte("opaque check plugin")
	path := writePlugin(t, content)
	kp, _ := GenerateKeyPair()
	hash, err := gate.AddTrustedPlugin(path, Version{}, kp.Sign(content, nil), "visible-note-text")
	if err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}

	blob, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if bytes.Contains(blob, []byte(hash)) || bytes.Contains(blob, []byte("visible-note-text")) {
		t.Error("trust store blob leaks plaintext structure")
	}
}

func TestRemoveTrustedHash(t *testing.T) {
	gate, _ := newTestGate(t)
	content := []byte("removable plugin")
	path := writePlugin(t, content)
	kp, _ := GenerateKeyPair()
	hash, err := gate.AddTrustedPlugin(path, Version{}, kp.Sign(content, nil), "")
	if err != nil {
		t.Fatalf("add trusted plugin: %v", err)
	}
	if err := gate.RemoveTrustedHash(hash); err != nil {
		t.Fatalf("remove trusted hash: %v", err)
	}
	if gate.IsTrustedHash(hash) {
		t.Error("removed hash should not be trusted")
	}
	if err := gate.RemoveTrustedHash(hash); err == nil {
		t.Error("removing an absent hash should error")
	}
}
