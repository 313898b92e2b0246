package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Security configures the plugin trust gate.
type Security struct {
	TrustStorePath string `json:"trust_store_path" yaml:"trust_store_path"`
	// AllowUnsigned disables the trust gate entirely. Development only;
	// refused in production mode.
	AllowUnsigned bool `json:"allow_unsigned" yaml:"allow_unsigned"`
}

func getSecurityConfig(v *viper.Viper) *Security {
	return &Security{
		TrustStorePath: getStringOrDefault(v, "security.trust_store_path", defaultTrustStorePath()),
		AllowUnsigned:  getBoolOrDefault(v, "security.allow_unsigned", false),
	}
}

func defaultTrustStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "enclave", "trust.bin")
	}
	return filepath.Join(home, ".enclave", "trust.bin")
}

// Validate validates the security configuration.
func (s *Security) Validate() error {
	if s.TrustStorePath == "" && !s.AllowUnsigned {
		return fmt.Errorf("trust_store_path must be set unless allow_unsigned is enabled")
	}
	return nil
}
