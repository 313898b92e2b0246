package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Sandbox configures OS level isolation of worker processes.
type Sandbox struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	CgroupRoot       string `json:"cgroup_root" yaml:"cgroup_root"`
	NetworkIsolation bool   `json:"network_isolation" yaml:"network_isolation"`
	// DomainRefreshSeconds controls how often domain based firewall rules
	// are re-resolved. Zero disables re-resolution.
	DomainRefreshSeconds int `json:"domain_refresh_seconds" yaml:"domain_refresh_seconds"`
}

func getSandboxConfig(v *viper.Viper) *Sandbox {
	return &Sandbox{
		Enabled:              getBoolOrDefault(v, "sandbox.enabled", true),
		CgroupRoot:           getStringOrDefault(v, "sandbox.cgroup_root", "/sys/fs/cgroup"),
		NetworkIsolation:     getBoolOrDefault(v, "sandbox.network_isolation", false),
		DomainRefreshSeconds: getIntOrDefault(v, "sandbox.domain_refresh_seconds", 300),
	}
}

// Validate validates the sandbox configuration.
func (s *Sandbox) Validate() error {
	if s.Enabled && s.CgroupRoot == "" {
		return fmt.Errorf("cgroup_root must be set when the sandbox is enabled")
	}
	if s.DomainRefreshSeconds < 0 {
		return fmt.Errorf("domain_refresh_seconds must not be negative")
	}
	return nil
}
