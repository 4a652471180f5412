// Package fence is the embeddable sandboxed execution runtime for
// untrusted JavaScript and WASM. A host service constructs a Service
// from a Config, loads code objects with Broadcast, and serves
// invocations through Dispatch and DispatchBatch. Workers run in
// confined child processes; the embedding binary must call
// MaybeRunWorker at the top of main so it can serve as its own worker
// when re-executed, or point WorkerBinary at the fence-worker binary.
package fence

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fenceworks/fence/internal/bindings"
	"github.com/fenceworks/fence/internal/dispatcher"
	"github.com/fenceworks/fence/internal/metrics"
	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/workapi"
	"github.com/fenceworks/fence/internal/workerpool"
)

// Public names for the shared data model.
type (
	CodeObject              = types.CodeObject
	InvocationRequest       = types.InvocationRequest
	InvocationRequestShared = types.InvocationRequestShared
	ResponseObject          = types.ResponseObject
	Result                  = types.Result
	Callback                = types.Callback
	BatchCallback           = types.BatchCallback
	WasmType                = types.WasmType
	Status                  = types.Status
	StatusCode              = types.StatusCode

	BindingIO       = bindings.BindingIO
	FunctionBinding = bindings.FunctionBinding
	Recorder        = metrics.Recorder
)

// WASM return types, re-exported for code object construction.
const (
	WasmTypeUint32       = types.WasmTypeUint32
	WasmTypeString       = types.WasmTypeString
	WasmTypeListOfString = types.WasmTypeListOfString
)

// IsRetryable reports whether an error from a callback may be retried,
// which is the case after a transparent worker restart.
func IsRetryable(err error) bool { return types.IsRetryable(err) }

// Service is the top-level runtime: one dispatcher over a fixed pool
// of sandboxed workers.
type Service struct {
	cfg      Config
	registry *bindings.Registry

	mu         sync.Mutex
	pool       *workerpool.Pool
	dispatcher *dispatcher.Dispatcher
	channels   []*bindings.Channel
	servers    []*bindings.Server
	running    bool
}

// New builds a service. Nothing is spawned until Init.
func New(cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		registry: bindings.NewRegistry(cfg.FunctionBindings),
	}
}

// Init creates the worker pool: one sandboxed child (or in-process
// worker) per slot, each with its own binding channel when host
// functions are registered.
func (s *Service) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return types.NewStatus(types.StatusInvalidArgument, "service already initialized")
	}

	apis := make([]workapi.API, s.cfg.NumberOfWorkers)
	for i := range apis {
		workerCfg := workapi.Config{
			WorkerBinary:    s.cfg.WorkerBinary,
			Engine:          s.cfg.Engine,
			RequirePreload:  s.cfg.RequirePreload,
			BindingNames:    s.registry.Names(),
			WasmMemoryPages: s.cfg.WasmMemoryPages,
			MaxMemoryMB:     s.cfg.MaxWorkerMemoryMB,
			Seccomp:         s.cfg.Seccomp,
		}

		if s.cfg.SandboxMode == SandboxInProcess {
			apis[i] = workapi.NewInProcessAPI(workerCfg, s.registry)
			continue
		}

		if !s.registry.Empty() {
			ch, err := bindings.NewChannel()
			if err != nil {
				s.teardownLocked()
				return err
			}
			srv := bindings.NewServer(s.registry, ch)
			srv.Start()
			s.channels = append(s.channels, ch)
			s.servers = append(s.servers, srv)
			workerCfg.BindingChild = ch.ChildFile()
		}
		apis[i] = workapi.NewSandboxAPI(workerCfg)
	}

	pool := workerpool.New(apis)
	if err := pool.Init(); err != nil {
		pool.Stop()
		s.teardownLocked()
		return err
	}

	s.pool = pool
	s.dispatcher = dispatcher.New(pool, s.cfg.MaxPendingRequests, s.cfg.WorkerQueueCap, s.cfg.MetricsRecorder)
	return nil
}

// Run starts the pool.
func (s *Service) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return types.NewStatus(types.StatusSandboxNotInitialized, "run before init")
	}
	if err := s.pool.Run(); err != nil {
		return err
	}
	s.running = true
	return nil
}

// Stop drains the dispatcher, terminates the workers, and releases the
// binding channels. Idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.dispatcher = nil
	}
	if s.pool != nil {
		firstErr = s.pool.Stop()
		s.pool = nil
	}
	s.teardownLocked()
	s.running = false
	return firstErr
}

func (s *Service) teardownLocked() {
	for _, srv := range s.servers {
		srv.Stop()
	}
	for _, ch := range s.channels {
		ch.Close()
	}
	s.servers = nil
	s.channels = nil
}

// Dispatch enqueues one invocation for asynchronous execution. The
// callback fires exactly once if the request was admitted. A missing
// request id is filled in.
func (s *Service) Dispatch(req *InvocationRequest, cb Callback) error {
	d, err := s.liveDispatcher()
	if err != nil {
		return err
	}
	stampRequest(&req.ID, &req.Tags)
	return d.Dispatch(req, cb)
}

// DispatchShared is Dispatch for shared-input requests.
func (s *Service) DispatchShared(req *InvocationRequestShared, cb Callback) error {
	d, err := s.liveDispatcher()
	if err != nil {
		return err
	}
	stampRequest(&req.ID, &req.Tags)
	return d.DispatchShared(req, cb)
}

// DispatchBatch enqueues every request and fires the batch callback
// once, with results in input order.
func (s *Service) DispatchBatch(reqs []InvocationRequest, cb BatchCallback) error {
	d, err := s.liveDispatcher()
	if err != nil {
		return err
	}
	for i := range reqs {
		stampRequest(&reqs[i].ID, &reqs[i].Tags)
	}
	return d.DispatchBatch(reqs, cb)
}

// Broadcast loads a code object on every worker under the exclusion
// barrier. The callback fires once with the first failure, or the
// first success when all workers loaded.
func (s *Service) Broadcast(code *CodeObject, cb Callback) error {
	d, err := s.liveDispatcher()
	if err != nil {
		return err
	}
	if code.ID == "" {
		code.ID = uuid.NewString()
	}
	return d.Broadcast(code, cb)
}

func (s *Service) liveDispatcher() (*dispatcher.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher == nil || !s.running {
		return nil, types.NewStatus(types.StatusSandboxNotInitialized, "service is not running")
	}
	return s.dispatcher, nil
}

// stampRequest assigns a request id when the caller left it empty and
// mirrors it into the side-channel metadata tag.
func stampRequest(id *string, tags *map[string]string) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if *tags == nil {
		*tags = make(map[string]string, 1)
	}
	(*tags)[types.TagRequestID] = *id
}
