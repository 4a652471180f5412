package fence

import (
	"runtime"

	"github.com/fenceworks/fence/internal/config"
	"github.com/fenceworks/fence/internal/metrics"
)

// SandboxMode selects how workers are isolated.
type SandboxMode string

const (
	// SandboxProcess runs each worker in a confined child process.
	SandboxProcess SandboxMode = "process"

	// SandboxInProcess runs workers in the host process with no
	// isolation. Development and tests only.
	SandboxInProcess SandboxMode = "inprocess"
)

// Config configures a Service.
type Config struct {
	// NumberOfWorkers sizes the pool. Zero means hardware concurrency.
	NumberOfWorkers int

	// MaxPendingRequests caps requests admitted but not yet finished.
	// Zero means 100.
	MaxPendingRequests int

	// WorkerQueueCap bounds the internal work queue. Zero mirrors
	// MaxPendingRequests.
	WorkerQueueCap int

	// Engine selects the script engine. Only "goja" is defined.
	Engine string

	// SandboxMode defaults to SandboxProcess.
	SandboxMode SandboxMode

	// RequirePreload makes executes of never-loaded versions fail
	// with a missing-context error. Single-worker setups may disable
	// it to compile on first execute.
	RequirePreload bool

	// WorkerBinary is the sandbox worker executable. Empty re-execs
	// the current binary, which must call MaybeRunWorker in main.
	WorkerBinary string

	// MaxWorkerMemoryMB bounds each worker's address space.
	MaxWorkerMemoryMB int

	// Seccomp toggles the workers' syscall allow-list.
	Seccomp bool

	// WasmMemoryPages caps WASM linear memory in 64KiB pages, at most
	// 65536. Zero keeps the engine default.
	WasmMemoryPages uint32

	// FunctionBindings are the host functions exposed to scripts.
	FunctionBindings []FunctionBinding

	// MetricsRecorder receives per-execution timings. Nil discards
	// them.
	MetricsRecorder Recorder
}

func (c *Config) applyDefaults() {
	if c.NumberOfWorkers <= 0 {
		c.NumberOfWorkers = runtime.NumCPU()
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = 100
	}
	if c.WorkerQueueCap <= 0 {
		c.WorkerQueueCap = c.MaxPendingRequests
	}
	if c.Engine == "" {
		c.Engine = "goja"
	}
	if c.SandboxMode == "" {
		c.SandboxMode = SandboxProcess
	}
}

// LoadConfig reads a Config from a file and the FENCE_* environment.
// Keys absent from both take the loader's defaults, which differ from
// an empty Config: preload required, seccomp on, 512 MB worker memory,
// process mode. The returned config still needs FunctionBindings wired
// in code.
func LoadConfig(path string) (Config, error) {
	fileCfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		NumberOfWorkers:    fileCfg.Service.Workers,
		MaxPendingRequests: fileCfg.Service.MaxPendingRequests,
		WorkerQueueCap:     fileCfg.Service.QueueCap,
		Engine:             fileCfg.Service.Engine,
		SandboxMode:        SandboxMode(fileCfg.Sandbox.Mode),
		RequirePreload:     fileCfg.Sandbox.RequirePreload,
		WorkerBinary:       fileCfg.Sandbox.WorkerBinary,
		MaxWorkerMemoryMB:  fileCfg.Sandbox.MaxMemoryMB,
		Seccomp:            fileCfg.Sandbox.Seccomp,
		WasmMemoryPages:    fileCfg.Sandbox.WasmMemoryPages,
	}

	if fileCfg.Metrics.Enabled {
		client, err := metrics.ConnectRedis(fileCfg.Metrics.Addr, fileCfg.Metrics.Password, fileCfg.Metrics.DB)
		if err != nil {
			return Config{}, err
		}
		cfg.MetricsRecorder = metrics.NewRedisPublisher(client, fileCfg.Metrics.Channel)
	}

	return cfg, nil
}
