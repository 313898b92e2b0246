package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Monitor configures the health and resource monitor loop.
type Monitor struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	ViolationWindow time.Duration `json:"violation_window" yaml:"violation_window"`
	MaxViolations   int           `json:"max_violations" yaml:"max_violations"`
	CheckWorkers    int           `json:"check_workers" yaml:"check_workers"`
	CheckQueueSize  int           `json:"check_queue_size" yaml:"check_queue_size"`
}

func getMonitorConfig(v *viper.Viper) *Monitor {
	return &Monitor{
		Interval:        getDurationOrDefault(v, "monitor.interval", 30*time.Second),
		ViolationWindow: getDurationOrDefault(v, "monitor.violation_window", 60*time.Second),
		MaxViolations:   getIntOrDefault(v, "monitor.max_violations", 5),
		CheckWorkers:    getIntOrDefault(v, "monitor.check_workers", 4),
		CheckQueueSize:  getIntOrDefault(v, "monitor.check_queue_size", 64),
	}
}

// Validate validates the monitor configuration.
func (m *Monitor) Validate() error {
	if m.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if m.ViolationWindow <= 0 {
		return fmt.Errorf("violation_window must be positive")
	}
	if m.MaxViolations <= 0 {
		return fmt.Errorf("max_violations must be greater than 0, got: %d", m.MaxViolations)
	}
	if m.CheckWorkers <= 0 {
		return fmt.Errorf("check_workers must be greater than 0")
	}
	return nil
}
