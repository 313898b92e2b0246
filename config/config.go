// Package config loads and validates the host daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	config *Config
	mu     sync.Mutex
	v      *viper.Viper
)

func init() {
	v = viper.New()
	v.SetEnvPrefix("enclave")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Config is the root configuration for the plugin host.
type Config struct {
	AppName  string
	RunMode  string
	Process  *Process
	IPC      *IPC
	Security *Security
	Monitor  *Monitor
	Sandbox  *Sandbox
	Logger   *Logger
	Observes *Observes
	Viper    *viper.Viper
}

// LoadConfig loads the configuration from the given file, or from the
// default search paths when configPath is empty.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		ex, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
		v.SetConfigName("config")
		v.AddConfigPath("/etc/enclave")
		v.AddConfigPath("$HOME/.enclave")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(ex))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errorsAs(err, &notFound) {
			// No file is fine, defaults and environment cover everything.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		AppName:  getStringOrDefault(v, "app_name", "enclave"),
		RunMode:  getStringOrDefault(v, "run_mode", "production"),
		Process:  getProcessConfig(v),
		IPC:      getIPCConfig(v),
		Security: getSecurityConfig(v),
		Monitor:  getMonitorConfig(v),
		Sandbox:  getSandboxConfig(v),
		Logger:   getLoggerConfig(v),
		Observes: getObservesConfig(v),
		Viper:    v,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	config = cfg
	mu.Unlock()
	return cfg, nil
}

// GetConfig returns the last loaded configuration, loading from the default
// locations when none is present yet.
func GetConfig() (*Config, error) {
	mu.Lock()
	cached := config
	mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return LoadConfig("")
}

// Validate checks every section.
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"process", c.Process.Validate},
		{"ipc", c.IPC.Validate},
		{"security", c.Security.Validate},
		{"monitor", c.Monitor.Validate},
		{"sandbox", c.Sandbox.Validate},
		{"logger", c.Logger.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s config validation failed: %w", s.name, err)
		}
	}
	return nil
}

// IsDevelopmentMode checks if running in development mode.
func (c *Config) IsDevelopmentMode() bool {
	return c.RunMode == "development" || c.RunMode == "dev"
}

// Watch reloads the configuration when the file changes and hands the new
// config to callback.
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := LoadConfig(v.ConfigFileUsed())
		if err != nil {
			fmt.Printf("Error reloading config: %v\n", err)
			return
		}
		callback(cfg)
	})
}
