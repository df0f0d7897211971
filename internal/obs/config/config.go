// Package config provides environment-variable loading helpers and the
// host policy file, following the teacher's env-first, file-fallback
// convention but without the Marble/TEE-secret indirection (out of scope
// for this host).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env returns the trimmed value of an environment variable, or def if unset.
func Env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvInt parses an integer environment variable, falling back to def.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvDuration parses a duration environment variable, falling back to def.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvBytes parses a byte-size environment variable (plain decimal bytes),
// falling back to def.
func EnvBytes(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// EnvCSV splits a comma-separated environment variable into a trimmed,
// non-empty slice of values.
func EnvCSV(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HostConfig is the host's policy file (config/host.yaml): resource-limit
// defaults, trusted signing keys, and broker tuning. Values come from the
// file on top of DefaultHostConfig; LoadHostConfig applies no
// environment-variable overrides to them.
type HostConfig struct {
	TrustedKeyFiles []string `yaml:"trusted_key_files"`

	ResourceLimits struct {
		MaxMemoryBytes        int64 `yaml:"max_memory_bytes"`
		MaxCPUPercent         int   `yaml:"max_cpu_percent"`
		MaxStorageBytes       int64 `yaml:"max_storage_bytes"`
		MaxNetworkReqsPerMin  int   `yaml:"max_network_requests_per_minute"`
		MaxExecutionTimeSecs  int   `yaml:"max_execution_time_seconds"`
		MaxFuelUnits          uint64 `yaml:"max_fuel_units"`
	} `yaml:"resource_limits"`

	Broker struct {
		InternalRatePerMinute int `yaml:"internal_rate_per_minute"`
		PluginRatePerMinute   int `yaml:"plugin_rate_per_minute"`
		HistoryPerTopic       int `yaml:"history_per_topic"`
		QueueCapacity         int `yaml:"queue_capacity"`
	} `yaml:"broker"`

	Monitoring struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		SoftThreshold  float64       `yaml:"soft_threshold_percent"`
	} `yaml:"monitoring"`
}

// DefaultHostConfig mirrors the §3 Data Model resource-limit defaults
// (100 MiB / 75% / 10 MiB / 60 rpm / 30s / 1,000,000 fuel) and the
// broker's §4.7 default rate buckets.
func DefaultHostConfig() *HostConfig {
	cfg := &HostConfig{}
	cfg.ResourceLimits.MaxMemoryBytes = 100 * 1024 * 1024
	cfg.ResourceLimits.MaxCPUPercent = 75
	cfg.ResourceLimits.MaxStorageBytes = 10 * 1024 * 1024
	cfg.ResourceLimits.MaxNetworkReqsPerMin = 60
	cfg.ResourceLimits.MaxExecutionTimeSecs = 30
	cfg.ResourceLimits.MaxFuelUnits = 1_000_000

	cfg.Broker.InternalRatePerMinute = 100
	cfg.Broker.PluginRatePerMinute = 60
	cfg.Broker.HistoryPerTopic = 1000
	cfg.Broker.QueueCapacity = 4096

	cfg.Monitoring.SampleInterval = 30 * time.Second
	cfg.Monitoring.SoftThreshold = 0.5
	return cfg
}

// LoadHostConfig reads path (YAML), falling back to DefaultHostConfig when
// the file does not exist. Any other read or parse error is returned.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultHostConfig(), nil
		}
		return nil, fmt.Errorf("read host config: %w", err)
	}
	cfg := DefaultHostConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse host config: %w", err)
	}
	return cfg, nil
}
