package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func getStringOrDefault(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getIntOrDefault(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return def
}

func getBoolOrDefault(v *viper.Viper, key string, def bool) bool {
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return def
}

func getUint64OrDefault(v *viper.Viper, key string, def uint64) uint64 {
	if v.IsSet(key) {
		return v.GetUint64(key)
	}
	return def
}

func getFloat64OrDefault(v *viper.Viper, key string, def float64) float64 {
	if v.IsSet(key) {
		return v.GetFloat64(key)
	}
	return def
}

func getDurationOrDefault(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		return v.GetDuration(key)
	}
	return def
}
