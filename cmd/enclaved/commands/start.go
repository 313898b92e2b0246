package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/enclave-dev/enclave/config"
	"github.com/enclave-dev/enclave/logging/logger"
	"github.com/enclave-dev/enclave/logging/observes"
	"github.com/enclave-dev/enclave/plugin"
	"github.com/enclave-dev/enclave/process"
	"github.com/enclave-dev/enclave/security"
	"github.com/enclave-dev/enclave/watcher"
)

// NewStartCommand creates the start command
func NewStartCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the plugin host daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %v", err)
			}
			cleanup, err := logger.Init(cfg.Logger)
			if err != nil {
				return fmt.Errorf("failed to init logger: %v", err)
			}
			defer cleanup()
			if err := observes.NewSentry(cfg.Observes.Sentry); err != nil {
				logger.Warnf(nil, "sentry disabled: %v", err)
			}
			defer observes.Flush(2 * time.Second)

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []process.Option{}
	if !cfg.Security.AllowUnsigned {
		gate := security.NewGate(cfg.Security.TrustStorePath)
		if err := gate.Initialize(); err != nil {
			return fmt.Errorf("failed to open trust store: %v", err)
		}
		defer gate.Close()
		opts = append(opts, process.WithGate(gate))
	} else if !cfg.IsDevelopmentMode() {
		return fmt.Errorf("allow_unsigned is refused outside development mode")
	}

	m := process.NewManager(cfg, opts...)
	defer m.Close(context.Background())

	if cfg.Process.PluginDir != "" {
		if err := loadPluginDir(ctx, m, cfg.Process.PluginDir); err != nil {
			return err
		}
	}

	m.StartHealthMonitor(ctx)

	if cfg.Process.HotReload && cfg.Process.PluginDir != "" {
		w, err := watcher.New(cfg.Process.PluginDir, 0, func(path string) {
			name := pluginName(path)
			if err := m.ReloadPlugin(ctx, name); err != nil {
				logger.Warnf(ctx, "hot reload of %s: %v", name, err)
			}
		})
		if err != nil {
			logger.Warnf(ctx, "hot reload disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	logger.Infof(ctx, "enclaved running with %d plugins", m.Count())
	<-ctx.Done()
	logger.Infof(nil, "shutting down")
	return nil
}

// loadPluginDir loads every shared object in dir under default requirements.
// A plugin that needs custom limits ships a manifest and is loaded through
// the API instead.
func loadPluginDir(ctx context.Context, m *process.Manager, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("failed to scan plugin dir: %v", err)
	}
	for _, path := range matches {
		req := plugin.DefaultRequirements(pluginName(path), "0.0.0")
		if err := m.LoadPlugin(ctx, path, req); err != nil {
			logger.Errorf(ctx, "loading %s: %v", path, err)
		}
	}
	return nil
}

func pluginName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
