package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// IPC configures the unix socket transport between host and workers.
type IPC struct {
	SocketDir     string        `json:"socket_dir" yaml:"socket_dir"`
	AcceptTimeout time.Duration `json:"accept_timeout" yaml:"accept_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

func getIPCConfig(v *viper.Viper) *IPC {
	return &IPC{
		SocketDir:     v.GetString("ipc.socket_dir"),
		AcceptTimeout: getDurationOrDefault(v, "ipc.accept_timeout", 10*time.Second),
		ReadTimeout:   getDurationOrDefault(v, "ipc.read_timeout", 0),
		WriteTimeout:  getDurationOrDefault(v, "ipc.write_timeout", 10*time.Second),
	}
}

// Validate validates the IPC configuration.
func (i *IPC) Validate() error {
	if i.AcceptTimeout <= 0 {
		return fmt.Errorf("accept_timeout must be positive")
	}
	if i.ReadTimeout < 0 || i.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
