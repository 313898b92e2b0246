package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Logger logger config struct.
type Logger struct {
	Level      int    `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	OutputFile string `json:"output_file" yaml:"output_file"`
}

func getLoggerConfig(v *viper.Viper) *Logger {
	return &Logger{
		Level:      getIntOrDefault(v, "logger.level", 4),
		Format:     getStringOrDefault(v, "logger.format", "json"),
		Output:     getStringOrDefault(v, "logger.output", "stdout"),
		OutputFile: v.GetString("logger.output_file"),
	}
}

// Validate validates the logger configuration.
func (l *Logger) Validate() error {
	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.OutputFile == "" {
			return fmt.Errorf("output_file must be set when output is 'file'")
		}
	default:
		return fmt.Errorf("unknown logger output %q", l.Output)
	}
	if l.Level < 0 || l.Level > 6 {
		return fmt.Errorf("logger level must be between 0 and 6, got: %d", l.Level)
	}
	return nil
}
