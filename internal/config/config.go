// Package config provides file- and environment-based configuration
// for hosts embedding the runtime.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables of the runtime service.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServiceConfig covers the dispatcher and pool.
type ServiceConfig struct {
	// Workers is the pool size. Zero means hardware concurrency.
	Workers int `mapstructure:"workers"`

	// MaxPendingRequests caps admitted-but-unfinished requests.
	MaxPendingRequests int `mapstructure:"max_pending_requests"`

	// QueueCap bounds the executor's work queue.
	QueueCap int `mapstructure:"queue_cap"`

	// Engine selects the script engine. Only "goja" is defined.
	Engine string `mapstructure:"engine"`
}

// SandboxConfig covers per-worker confinement and code handling.
type SandboxConfig struct {
	// Mode is "process" for sandboxed children or "inprocess" for
	// development and tests.
	Mode string `mapstructure:"mode"`

	// RequirePreload makes executes of never-loaded versions fail.
	RequirePreload bool `mapstructure:"require_preload"`

	// WorkerBinary is the sandbox worker executable; empty re-execs
	// the embedding binary.
	WorkerBinary string `mapstructure:"worker_binary"`

	// MaxMemoryMB bounds each worker's address space.
	MaxMemoryMB int `mapstructure:"max_memory_mb"`

	// Seccomp toggles the syscall allow-list.
	Seccomp bool `mapstructure:"seccomp"`

	// WasmMemoryPages caps guest linear memory in 64KiB pages.
	WasmMemoryPages uint32 `mapstructure:"wasm_memory_pages"`

	// DefaultTimeout is read and defaulted here but not passed on:
	// fence.LoadConfig does not copy it, and executions without a
	// TimeoutMs tag use types.DefaultExecutionTimeoutMs (5000 ms).
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// MetricsConfig covers the optional Redis metric publisher.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("service.workers", 0)
	v.SetDefault("service.max_pending_requests", 100)
	v.SetDefault("service.queue_cap", 100)
	v.SetDefault("service.engine", "goja")

	v.SetDefault("sandbox.mode", "process")
	v.SetDefault("sandbox.require_preload", true)
	v.SetDefault("sandbox.worker_binary", "")
	v.SetDefault("sandbox.max_memory_mb", 512)
	v.SetDefault("sandbox.seccomp", true)
	v.SetDefault("sandbox.wasm_memory_pages", 0)
	v.SetDefault("sandbox.default_timeout", 5*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "localhost:6379")
	v.SetDefault("metrics.password", "")
	v.SetDefault("metrics.db", 0)
	v.SetDefault("metrics.channel", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fence")
	}

	v.SetEnvPrefix("FENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
