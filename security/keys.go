package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/enclave-dev/enclave/logging/logger"
)

const (
	keyringService = "enclave-trust-store"
	keyringUser    = "default"

	// TrustKeyEnv holds a base64 encoded 32 byte key, used as the fallback
	// key source inside containers without a keyring daemon.
	TrustKeyEnv = "ENCLAVE_TRUST_KEY"

	encryptionKeySize = 32
)

// zeroize overwrites key material that is no longer needed.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func inContainer() bool {
	if os.Getenv("DOCKER_CONTAINER") != "" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// getOrCreateEncryptionKey obtains the 32 byte trust store key. Outside
// containers it uses the OS keyring, creating and storing a fresh key on
// first use. Inside containers it reads TrustKeyEnv; if the variable is
// unset it falls back to a per-process ephemeral key, which means the trust
// store cannot be decrypted after restart, and says so loudly.
func getOrCreateEncryptionKey() ([]byte, error) {
	if inContainer() {
		return keyFromEnv()
	}

	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr != nil || len(key) != encryptionKeySize {
			return nil, fmt.Errorf("security: keyring holds an invalid trust store key")
		}
		return key, nil
	}
	if err != keyring.ErrNotFound {
		logger.Warnf(nil, "keyring unavailable (%v), falling back to %s", err, TrustKeyEnv)
		return keyFromEnv()
	}

	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: generate trust store key: %v", err)
	}
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("security: store trust store key in keyring: %v", err)
	}
	logger.Infof(nil, "generated new trust store encryption key in OS keyring")
	return key, nil
}

func keyFromEnv() ([]byte, error) {
	if v := os.Getenv(TrustKeyEnv); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("security: decode %s: %v", TrustKeyEnv, err)
		}
		if len(key) != encryptionKeySize {
			return nil, fmt.Errorf("security: %s must decode to %d bytes, got %d", TrustKeyEnv, encryptionKeySize, len(key))
		}
		return key, nil
	}

	logger.Warnf(nil, "%s not set, using an ephemeral trust store key; the persisted trust list will not survive a restart", TrustKeyEnv)
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: generate ephemeral trust store key: %v", err)
	}
	return key, nil
}
