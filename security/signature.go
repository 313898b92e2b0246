// Package security implements the trust gate that decides whether a plugin
// binary may run: SHA3-512 content hashing, Ed25519 signatures, and an
// encrypted persisted trust store.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/sha3"
)

// PublicKey is an Ed25519 verification key with a human readable label.
type PublicKey struct {
	Key   []byte `msgpack:"key"`
	Label string `msgpack:"label"`
}

// NewPublicKey validates the raw key length and wraps it.
func NewPublicKey(key []byte, label string) (PublicKey, error) {
	if len(key) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("security: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return PublicKey{Key: cp, Label: label}, nil
}

// ParsePublicKey decodes a hex encoded Ed25519 public key.
func ParsePublicKey(hexKey, label string) (PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return PublicKey{}, fmt.Errorf("security: decode public key hex: %v", err)
	}
	return NewPublicKey(raw, label)
}

// Hex returns the lowercase hex encoding of the key bytes.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k.Key)
}

// Equal reports whether two keys have the same bytes.
func (k PublicKey) Equal(other PublicKey) bool {
	if len(k.Key) != len(other.Key) {
		return false
	}
	for i := range k.Key {
		if k.Key[i] != other.Key[i] {
			return false
		}
	}
	return true
}

// SignatureMetadata records when and by whom a signature was produced.
type SignatureMetadata struct {
	SignedAt int64  `msgpack:"signed_at"`
	Signer   string `msgpack:"signer"`
}

// Signature is an Ed25519 signature bundled with the public key that
// produced it, so verification is self contained.
type Signature struct {
	Sig       []byte             `msgpack:"sig"`
	PublicKey PublicKey          `msgpack:"public_key"`
	Metadata  *SignatureMetadata `msgpack:"metadata,omitempty"`
}

// Verify reports whether the signature is valid for content.
func (s Signature) Verify(content []byte) bool {
	if len(s.Sig) != ed25519.SignatureSize || len(s.PublicKey.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(s.PublicKey.Key), content, s.Sig)
}

// KeyPair holds an Ed25519 signing key.
type KeyPair struct {
	priv ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("security: generate keypair: %v", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromSeedHex restores a key pair from a hex encoded 32 byte seed.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("security: decode seed hex: %v", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("security: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeyPair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// SeedHex returns the hex encoded private seed for storage.
func (kp *KeyPair) SeedHex() string {
	return hex.EncodeToString(kp.priv.Seed())
}

// Public returns the verification key for this pair.
func (kp *KeyPair) Public(label string) PublicKey {
	pub := kp.priv.Public().(ed25519.PublicKey)
	cp := make([]byte, len(pub))
	copy(cp, pub)
	return PublicKey{Key: cp, Label: label}
}

// Sign produces a self contained signature over content.
func (kp *KeyPair) Sign(content []byte, meta *SignatureMetadata) Signature {
	return Signature{
		Sig:       ed25519.Sign(kp.priv, content),
		PublicKey: kp.Public(""),
		Metadata:  meta,
	}
}

// SignFile signs the raw bytes of the file at path.
func (kp *KeyPair) SignFile(path string, meta *SignatureMetadata) (Signature, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Signature{}, fmt.Errorf("security: read %s: %v", path, err)
	}
	return kp.Sign(content, meta), nil
}

// CalculateHash returns the lowercase hex SHA3-512 digest of the file at path.
func CalculateHash(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("security: read %s: %v", path, err)
	}
	return HashBytes(content), nil
}

// HashBytes returns the lowercase hex SHA3-512 digest of content.
func HashBytes(content []byte) string {
	sum := sha3.Sum512(content)
	return hex.EncodeToString(sum[:])
}
