package security

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"
)

// storeFormatVersion is bumped when the serialized trust list layout changes.
const storeFormatVersion uint32 = 1

// Version is a plugin semantic version.
type Version struct {
	Major uint32 `msgpack:"major"`
	Minor uint32 `msgpack:"minor"`
	Patch uint32 `msgpack:"patch"`
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("security: invalid version %q", s)
	}
	nums := make([]uint32, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("security: invalid version %q: %v", s, err)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// TrustedPluginEntry authorizes one plugin binary by content hash.
type TrustedPluginEntry struct {
	Hash      string    `msgpack:"hash"`
	Version   Version   `msgpack:"version"`
	Signature Signature `msgpack:"signature"`
	Note      string    `msgpack:"note"`
}

// userTrustList is the decrypted shape of the persisted trust store.
type userTrustList struct {
	TrustedPlugins map[string]TrustedPluginEntry `msgpack:"trusted_plugins"`
	PublicKeys     map[string]PublicKey          `msgpack:"public_keys"`
	FormatVersion  uint32                        `msgpack:"format_version"`
}

func newUserTrustList() userTrustList {
	return userTrustList{
		TrustedPlugins: make(map[string]TrustedPluginEntry),
		PublicKeys:     make(map[string]PublicKey),
		FormatVersion:  storeFormatVersion,
	}
}

// encryptTrustList serializes and seals the list. The output is an opaque
// blob: a random 24 byte XChaCha20-Poly1305 nonce followed by the ciphertext,
// with no plaintext metadata.
func encryptTrustList(list userTrustList, key []byte) ([]byte, error) {
	plain, err := msgpack.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("security: serialize trust list: %v", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %v", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %v", err)
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, nil)
	zeroize(plain)
	return out, nil
}

// decryptTrustList opens a blob produced by encryptTrustList. A wrong key is
// a hard error; the list is never partially trusted.
func decryptTrustList(blob, key []byte) (userTrustList, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return userTrustList{}, fmt.Errorf("security: trust store blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return userTrustList{}, fmt.Errorf("security: init cipher: %v", err)
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return userTrustList{}, fmt.Errorf("security: decrypt trust store (wrong key or corrupt file): %v", err)
	}
	defer zeroize(plain)

	var list userTrustList
	if err := msgpack.Unmarshal(plain, &list); err != nil {
		return userTrustList{}, fmt.Errorf("security: deserialize trust list: %v", err)
	}
	if list.FormatVersion != storeFormatVersion {
		return userTrustList{}, fmt.Errorf("security: unsupported trust store format version %d", list.FormatVersion)
	}
	if list.TrustedPlugins == nil {
		list.TrustedPlugins = make(map[string]TrustedPluginEntry)
	}
	if list.PublicKeys == nil {
		list.PublicKeys = make(map[string]PublicKey)
	}
	return list, nil
}

func loadTrustList(path string, key []byte) (userTrustList, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newUserTrustList(), nil
		}
		return userTrustList{}, fmt.Errorf("security: read trust store: %v", err)
	}
	return decryptTrustList(blob, key)
}

func saveTrustList(path string, list userTrustList, key []byte) error {
	blob, err := encryptTrustList(list, key)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("security: create trust store dir: %v", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("security: write trust store: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("security: replace trust store: %v", err)
	}
	return nil
}
