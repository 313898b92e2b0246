package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Process configures plugin process lifecycle management.
type Process struct {
	WorkerBinary        string        `json:"worker_binary" yaml:"worker_binary"`
	PluginDir           string        `json:"plugin_dir" yaml:"plugin_dir"`
	MaxPlugins          int           `json:"max_plugins" yaml:"max_plugins"`
	StartupTimeout      time.Duration `json:"startup_timeout" yaml:"startup_timeout"`
	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period"`
	MaxRestartAttempts  int           `json:"max_restart_attempts" yaml:"max_restart_attempts"`
	RestartCooldown     time.Duration `json:"restart_cooldown" yaml:"restart_cooldown"`
	HotReload           bool          `json:"hot_reload" yaml:"hot_reload"`
}

func getProcessConfig(v *viper.Viper) *Process {
	return &Process{
		WorkerBinary:        getStringOrDefault(v, "process.worker_binary", "enclave-worker"),
		PluginDir:           v.GetString("process.plugin_dir"),
		MaxPlugins:          getIntOrDefault(v, "process.max_plugins", 32),
		StartupTimeout:      getDurationOrDefault(v, "process.startup_timeout", 10*time.Second),
		ShutdownGracePeriod: getDurationOrDefault(v, "process.shutdown_grace_period", 5*time.Second),
		MaxRestartAttempts:  getIntOrDefault(v, "process.max_restart_attempts", 3),
		RestartCooldown:     getDurationOrDefault(v, "process.restart_cooldown", time.Second),
		HotReload:           getBoolOrDefault(v, "process.hot_reload", false),
	}
}

// Validate validates the process configuration.
func (p *Process) Validate() error {
	if p.WorkerBinary == "" {
		return fmt.Errorf("worker_binary must not be empty")
	}
	if p.MaxPlugins <= 0 {
		return fmt.Errorf("max_plugins must be greater than 0, got: %d", p.MaxPlugins)
	}
	if p.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive")
	}
	if p.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must not be negative")
	}
	return nil
}
