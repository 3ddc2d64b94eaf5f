// Package config provides configuration management for the virttuned daemons.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration shared by both daemons. The cycle interval
// is not configured here; it is the daemons' single positional argument.
type Config struct {
	Hypervisor HypervisorConfig `mapstructure:"hypervisor"`
	CPU        CPUConfig        `mapstructure:"cpu"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// HypervisorConfig holds the hypervisor session settings.
type HypervisorConfig struct {
	URI string `mapstructure:"uri"`
}

// CPUConfig holds the vCPU scheduler thresholds, in percent.
type CPUConfig struct {
	HighThreshold int `mapstructure:"high_threshold"`
	LowThreshold  int `mapstructure:"low_threshold"`
	TargetUtil    int `mapstructure:"target_util"`
}

// MemoryConfig holds the memory coordinator thresholds, in percent of the
// respective total, plus the balloon stats refresh period.
type MemoryConfig struct {
	HostLowPercent     int `mapstructure:"host_low_percent"`
	HostTargetPercent  int `mapstructure:"host_target_percent"`
	GuestLowPercent    int `mapstructure:"guest_low_percent"`
	GuestTargetPercent int `mapstructure:"guest_target_percent"`
	GuestHighPercent   int `mapstructure:"guest_high_percent"`
	StatsPeriodSecs    int `mapstructure:"stats_period_secs"`
}

// MetricsConfig holds the Prometheus listener configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	DebugTrace bool   `mapstructure:"debug_trace"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/virttuned")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VIRTTUNED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Hypervisor
	v.SetDefault("hypervisor.uri", "qemu:///system")

	// CPU scheduler
	v.SetDefault("cpu.high_threshold", 90)
	v.SetDefault("cpu.low_threshold", 70)
	v.SetDefault("cpu.target_util", 80)

	// Memory coordinator
	v.SetDefault("memory.host_low_percent", 10)
	v.SetDefault("memory.host_target_percent", 15)
	v.SetDefault("memory.guest_low_percent", 25)
	v.SetDefault("memory.guest_target_percent", 30)
	v.SetDefault("memory.guest_high_percent", 33)
	v.SetDefault("memory.stats_period_secs", 1)

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9177")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.debug_trace", false)
}
