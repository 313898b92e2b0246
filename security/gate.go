package security

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/enclave-dev/enclave/logging/logger"
)

var (
	// ErrUntrustedPlugin means the file's hash is in neither trust store.
	ErrUntrustedPlugin = errors.New("security: plugin is not in the trust store")
	// ErrKeyNotAllowed means the entry's signing key is not allow-listed.
	ErrKeyNotAllowed = errors.New("security: signing key is not allow-listed")
	// ErrSignatureInvalid means the entry's signature does not verify.
	ErrSignatureInvalid = errors.New("security: plugin signature verification failed")
)

// hardcodedPlugins and hardcodedKeys are the compiled-in trust tables.
// Distributions that ship first-party plugins populate these at build time;
// entries here win over the user store on hash conflicts and cannot be
// removed at runtime.
var (
	hardcodedPlugins = map[string]TrustedPluginEntry{}
	hardcodedKeys    = map[string]PublicKey{}
)

// Gate decides whether a plugin binary is authorized to run. It consults the
// compiled-in trust table first and then the user trust store, which is
// persisted as an encrypted blob.
type Gate struct {
	mu        sync.RWMutex
	storePath string
	key       []byte
	user      userTrustList
	ready     bool
}

// NewGate creates a gate backed by the encrypted store at storePath. Call
// Initialize before use.
func NewGate(storePath string) *Gate {
	return &Gate{storePath: storePath}
}

// Initialize sources the encryption key and loads the user trust store.
func (g *Gate) Initialize() error {
	key, err := getOrCreateEncryptionKey()
	if err != nil {
		return err
	}
	return g.initializeWithKey(key)
}

// InitializeWithKey loads the user trust store with an explicitly supplied
// 32 byte key, bypassing keyring and environment sourcing.
func (g *Gate) InitializeWithKey(key []byte) error {
	if len(key) != encryptionKeySize {
		return fmt.Errorf("security: encryption key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return g.initializeWithKey(cp)
}

func (g *Gate) initializeWithKey(key []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		zeroize(key)
		return nil
	}
	list, err := loadTrustList(g.storePath, key)
	if err != nil {
		zeroize(key)
		return err
	}
	g.key = key
	g.user = list
	g.ready = true
	logger.Infof(nil, "trust store loaded: %d user entries, %d user keys, %d builtin entries",
		len(list.TrustedPlugins), len(list.PublicKeys), len(hardcodedPlugins))
	return nil
}

// Close zeroizes the cached encryption key. The gate is unusable afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	zeroize(g.key)
	g.key = nil
	g.ready = false
}

func (g *Gate) checkReady() error {
	if !g.ready {
		return fmt.Errorf("security: gate not initialized")
	}
	return nil
}

// IsTrustedHash reports whether hash appears in either trust store.
func (g *Gate) IsTrustedHash(hash string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := hardcodedPlugins[hash]; ok {
		return true
	}
	_, ok := g.user.TrustedPlugins[hash]
	return ok
}

// Entry returns the trust entry for hash. The compiled-in table wins on
// conflicts with the user store.
func (g *Gate) Entry(hash string) (TrustedPluginEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := hardcodedPlugins[hash]; ok {
		return e, true
	}
	e, ok := g.user.TrustedPlugins[hash]
	return e, ok
}

func (g *Gate) keyAllowed(key PublicKey) bool {
	h := key.Hex()
	if _, ok := hardcodedKeys[h]; ok {
		return true
	}
	_, ok := g.user.PublicKeys[h]
	return ok
}

// ValidatePlugin authorizes the binary at path: the content hash must match
// a trust entry, the entry's signing key must be allow-listed, and the
// entry's signature must verify against the file's raw bytes. Hash matching
// alone is never sufficient.
func (g *Gate) ValidatePlugin(path string) error {
	content, hash, err := readAndHash(path)
	if err != nil {
		return err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkReady(); err != nil {
		return err
	}

	entry, ok := hardcodedPlugins[hash]
	if !ok {
		entry, ok = g.user.TrustedPlugins[hash]
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedPlugin, path)
	}
	if !g.keyAllowed(entry.Signature.PublicKey) {
		return fmt.Errorf("%w: key %s", ErrKeyNotAllowed, entry.Signature.PublicKey.Hex())
	}
	if !entry.Signature.Verify(content) {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, path)
	}
	return nil
}

// AddTrustedPlugin hashes the file at path and persists a trust entry for it.
func (g *Gate) AddTrustedPlugin(path string, version Version, sig Signature, note string) (string, error) {
	_, hash, err := readAndHash(path)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkReady(); err != nil {
		return "", err
	}
	g.user.TrustedPlugins[hash] = TrustedPluginEntry{
		Hash:      hash,
		Version:   version,
		Signature: sig,
		Note:      note,
	}
	if err := saveTrustList(g.storePath, g.user, g.key); err != nil {
		delete(g.user.TrustedPlugins, hash)
		return "", err
	}
	return hash, nil
}

// RemoveTrustedHash deletes a user trust entry. Compiled-in entries cannot
// be removed.
func (g *Gate) RemoveTrustedHash(hash string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkReady(); err != nil {
		return err
	}
	entry, ok := g.user.TrustedPlugins[hash]
	if !ok {
		return fmt.Errorf("security: hash %s not in user trust store", hash)
	}
	delete(g.user.TrustedPlugins, hash)
	if err := saveTrustList(g.storePath, g.user, g.key); err != nil {
		g.user.TrustedPlugins[hash] = entry
		return err
	}
	return nil
}

// AddPublicKey allow-lists a signing key in the user store.
func (g *Gate) AddPublicKey(key PublicKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkReady(); err != nil {
		return err
	}
	g.user.PublicKeys[key.Hex()] = key
	if err := saveTrustList(g.storePath, g.user, g.key); err != nil {
		delete(g.user.PublicKeys, key.Hex())
		return err
	}
	return nil
}

// RemovePublicKey drops a signing key from the user allow-list.
func (g *Gate) RemovePublicKey(hexKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkReady(); err != nil {
		return err
	}
	key, ok := g.user.PublicKeys[hexKey]
	if !ok {
		return fmt.Errorf("security: key %s not in user allow-list", hexKey)
	}
	delete(g.user.PublicKeys, hexKey)
	if err := saveTrustList(g.storePath, g.user, g.key); err != nil {
		g.user.PublicKeys[hexKey] = key
		return err
	}
	return nil
}

// Entries returns every trust entry, compiled-in and user, keyed by hash.
func (g *Gate) Entries() map[string]TrustedPluginEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]TrustedPluginEntry, len(hardcodedPlugins)+len(g.user.TrustedPlugins))
	for h, e := range g.user.TrustedPlugins {
		out[h] = e
	}
	for h, e := range hardcodedPlugins {
		out[h] = e
	}
	return out
}

func readAndHash(path string) (content []byte, hash string, err error) {
	content, err = os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("security: read %s: %v", path, err)
	}
	return content, HashBytes(content), nil
}
