// Package config loads host and worker configuration: defaults first,
// then an optional YAML file, then DDK_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SupervisorConfig bounds worker lifecycle operations.
type SupervisorConfig struct {
	WorkerBin        string        `yaml:"worker_bin"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	HealthStrikes    int           `yaml:"health_strikes"`
	Transport        string        `yaml:"transport"` // "uds" (default) or "vsock"
}

// TokenConfig configures the token provider.
type TokenConfig struct {
	ClientID    string        `yaml:"client_id"`
	AuthURL     string        `yaml:"auth_url"`
	TokenURL    string        `yaml:"token_url"`
	RedirectPort int          `yaml:"redirect_port"` // 0 = ephemeral loopback port
	Skew        time.Duration `yaml:"skew"`
	CachePath   string        `yaml:"cache_path"`
}

// PoolConfig bounds the per-environment client multiplexer.
type PoolConfig struct {
	MaxConcurrencyPerEnvironment int `yaml:"max_concurrency_per_environment"`
}

// IndexConfig defaults for the indexer pipeline.
type IndexConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	PayloadMode string `yaml:"payload_mode"` // "lazy" or "eager"
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	MetricsAddr  string `yaml:"metrics_addr"` // empty disables the metrics listener
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// Config is the central configuration struct.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	PluginsDir string           `yaml:"plugins_dir"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Pool       PoolConfig       `yaml:"pool"`
	Index      IndexConfig      `yaml:"index"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	data := defaultDataDir()
	return &Config{
		DataDir:    data,
		PluginsDir: filepath.Join(data, "plugins"),
		Supervisor: SupervisorConfig{
			WorkerBin:      "ddk-worker",
			StartTimeout:   15 * time.Second,
			RPCTimeout:     30 * time.Second,
			ShutdownGrace:  2 * time.Second,
			HealthInterval: 15 * time.Second,
			HealthTimeout:  5 * time.Second,
			HealthStrikes:  3,
			Transport:      "uds",
		},
		Tokens: TokenConfig{
			Skew:      30 * time.Second,
			CachePath: filepath.Join(data, "tokens.bin"),
		},
		Pool:  PoolConfig{MaxConcurrencyPerEnvironment: 10},
		Index: IndexConfig{MaxParallel: 8, PayloadMode: "lazy"},
		Daemon: DaemonConfig{
			LogLevel: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies DDK_* environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DDK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DDK_PLUGINS_DIR"); v != "" {
		cfg.PluginsDir = v
	}
	if v := os.Getenv("DDK_WORKER_BIN"); v != "" {
		cfg.Supervisor.WorkerBin = v
	}
	if v := os.Getenv("DDK_TRANSPORT"); v != "" {
		cfg.Supervisor.Transport = v
	}
	if v := os.Getenv("DDK_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("DDK_OTLP_ENDPOINT"); v != "" {
		cfg.Daemon.OTLPEndpoint = v
	}
	if v := os.Getenv("DDK_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("DDK_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxConcurrencyPerEnvironment = n
		}
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "ddk")
}
