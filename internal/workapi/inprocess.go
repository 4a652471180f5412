package workapi

import (
	"context"
	"sync"
	"time"

	"github.com/fenceworks/fence/internal/bindings"
	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/jsengine"
	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/worker"
)

// InProcessAPI runs a worker in the host process, with no isolation.
// It exists for development and tests; production configurations use
// SandboxAPI.
type InProcessAPI struct {
	cfg      Config
	registry *bindings.Registry

	mu     sync.Mutex
	worker *worker.Worker
	active bool
}

// NewInProcessAPI builds an in-process worker slot. The registry backs
// binding invocations directly, without a channel.
func NewInProcessAPI(cfg Config, registry *bindings.Registry) *InProcessAPI {
	return &InProcessAPI{cfg: cfg, registry: registry}
}

// Init implements API.
func (a *InProcessAPI) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.worker != nil {
		a.worker.Stop(context.Background())
		a.worker = nil
	}

	var visitors []jsengine.Visitor
	if a.registry != nil && !a.registry.Empty() {
		visitors = append(visitors, &jsengine.FunctionBindingVisitor{
			Names:   a.registry.Names(),
			Invoker: &bindings.LocalInvoker{Registry: a.registry},
		})
	}

	engine, err := jsengine.New(context.Background(), jsengine.Options{
		Visitors:        visitors,
		WasmMemoryPages: a.cfg.WasmMemoryPages,
	})
	if err != nil {
		return err
	}
	wk, err := worker.New(engine, a.cfg.RequirePreload)
	if err != nil {
		engine.Stop(context.Background())
		return types.Statusf(types.StatusSandboxInitFailed, "building worker: %v", err)
	}

	a.worker = wk
	a.active = true
	return nil
}

// Run implements API.
func (a *InProcessAPI) Run() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return types.NewStatus(types.StatusSandboxNotInitialized, "run on uninitialized worker")
	}
	return nil
}

// Stop implements API. Idempotent.
func (a *InProcessAPI) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.worker != nil {
		a.worker.Stop(context.Background())
		a.worker = nil
	}
	a.active = false
	return nil
}

// RunCode implements API.
func (a *InProcessAPI) RunCode(req *ipc.RunCodeRequest) (*ipc.RunCodeResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.worker == nil {
		return nil, types.NewStatus(types.StatusSandboxNotInitialized, "run_code on uninitialized worker")
	}

	started := time.Now()
	response, metrics, err := a.worker.RunCode(req.Code, req.Wasm, req.WasmReturnType, req.Input, req.Metadata)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = make(map[string]int64)
	}
	metrics[types.MetricSandboxedCodeRunNs] = time.Since(started).Nanoseconds()
	return &ipc.RunCodeResponse{Response: response, Metrics: metrics}, nil
}
