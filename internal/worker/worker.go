// Package worker implements the sandbox-resident side of the runtime:
// a single worker wrapping one engine and a bounded LRU of compilation
// contexts keyed by code version, plus the serve loop that speaks the
// framed control protocol with the host.
package worker

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fenceworks/fence/internal/jsengine"
	"github.com/fenceworks/fence/internal/types"
)

// Worker runs load and execute requests against its engine. Requests
// are driven entirely by metadata tags; see the behavior matrix in the
// package tests.
type Worker struct {
	engine         *jsengine.Engine
	contexts       *lru.Cache[string, *jsengine.CompilationContext]
	requirePreload bool
}

// New builds a worker around an engine. With requirePreload set,
// executes referencing a version that was never loaded (or was evicted)
// fail instead of compiling on the fly.
func New(engine *jsengine.Engine, requirePreload bool) (*Worker, error) {
	cache, err := lru.New[string, *jsengine.CompilationContext](types.CodeVersionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		engine:         engine,
		contexts:       cache,
		requirePreload: requirePreload,
	}, nil
}

// Stop disposes the engine.
func (w *Worker) Stop(ctx context.Context) error {
	w.contexts.Purge()
	return w.engine.Stop(ctx)
}

// RunCode executes one request. Code and inputs arrive alongside the
// metadata tags that select the engine path, the action, and the cache
// key.
func (w *Worker) RunCode(code string, wasm []byte, wasmReturnType types.WasmType, input []string, metadata map[string]string) (string, map[string]int64, error) {
	requestType, ok := metadata[types.TagRequestType]
	if !ok {
		return "", nil, types.NewStatus(types.StatusInvalidArgument, "missing RequestType tag")
	}
	version, ok := metadata[types.TagCodeVersion]
	if !ok {
		return "", nil, types.NewStatus(types.StatusInvalidArgument, "missing CodeVersion tag")
	}
	action, ok := metadata[types.TagRequestAction]
	if !ok {
		return "", nil, types.NewStatus(types.StatusInvalidArgument, "missing RequestAction tag")
	}

	handler := metadata[types.TagHandlerName]
	if handler == "" && action != types.RequestActionLoad {
		return "", nil, types.NewStatus(types.StatusInvalidArgument, "missing HandlerName tag on execute")
	}

	cctx, cached := w.contexts.Get(version)
	if !cached && w.requirePreload && action != types.RequestActionLoad {
		// Execution without a previous load and preloading is
		// required, so bail out.
		return "", nil, types.Statusf(types.StatusMissingContext, "version %s was never loaded", version)
	}
	if action == types.RequestActionLoad {
		// A load always compiles the submitted code; re-loading a
		// version replaces its cached context.
		cctx = nil
	} else if cached {
		// The cached context knows what kind of program it holds;
		// executes do not need to restate it correctly.
		switch {
		case cctx.Program != nil || cctx.Source != "":
			requestType = types.RequestTypeJavascript
		case cctx.WasmModule != nil || len(cctx.WasmBytes) > 0:
			requestType = types.RequestTypeWasm
		}
	}

	var resp *jsengine.ExecutionResponse
	var err error
	switch requestType {
	case types.RequestTypeJavascript:
		resp, err = w.engine.CompileAndRunJS(code, wasm, handler, input, metadata, cctx)
	case types.RequestTypeWasm:
		resp, err = w.engine.CompileAndRunWasm(wasm, handler, input, metadata, wasmReturnType, cctx)
	default:
		return "", nil, types.Statusf(types.StatusUnknownRequestType, "request type %q is not supported", requestType)
	}
	if err != nil {
		return "", nil, err
	}

	if action == types.RequestActionLoad && resp.Context != nil {
		w.contexts.Add(version, resp.Context)
	}

	metrics := map[string]int64{types.MetricCodeRunNs: resp.CodeRunNs}
	return resp.Response, metrics, nil
}

// CachedVersions reports how many compilation contexts are held, for
// tests and diagnostics.
func (w *Worker) CachedVersions() int { return w.contexts.Len() }
