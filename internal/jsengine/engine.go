// Package jsengine runs untrusted JavaScript (and, through the bridge,
// WASM embedded in it) on goja. A compiled goja Program is the
// per-version compilation context: it is bound to a fresh runtime on
// every execution, so programs replay cheaply and never share state
// between requests. Each engine owns one watchdog that aborts runaway
// executions.
package jsengine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/wasmengine"
)

// CompilationContext is the cached product of a Load, replayable on
// Execute. For JS it holds the compiled program; for WASM the compiled
// module; a JS-with-WASM code object holds both.
type CompilationContext struct {
	Source  string
	Program *goja.Program

	WasmBytes      []byte
	WasmModule     *wasmengine.Module
	WasmReturnType types.WasmType
}

// ExecutionResponse is one execution's result plus the context to
// cache when the request was a load.
type ExecutionResponse struct {
	Response string
	Context  *CompilationContext

	// CodeRunNs is the engine-side execution time.
	CodeRunNs int64
}

// Options configures an engine.
type Options struct {
	// Visitors run against every fresh runtime, installing host
	// function bindings and other per-execution globals.
	Visitors []Visitor

	// WasmMemoryPages caps guest linear memory; zero keeps the
	// engine default.
	WasmMemoryPages uint32
}

// Engine executes JS and WASM for one worker. Executions are
// serialized by the caller; the engine itself is not safe for
// concurrent use.
type Engine struct {
	visitors []Visitor
	watchdog *Watchdog
	wasmRT   *wasmengine.Runtime
}

// New builds an engine and starts its watchdog.
func New(ctx context.Context, opts Options) (*Engine, error) {
	wasmRT, err := wasmengine.NewRuntime(ctx, opts.WasmMemoryPages)
	if err != nil {
		return nil, types.Statusf(types.StatusSandboxInitFailed, "creating wasm runtime: %v", err)
	}
	return &Engine{
		visitors: opts.Visitors,
		watchdog: NewWatchdog(),
		wasmRT:   wasmRT,
	}, nil
}

// Stop shuts the engine down: the watchdog first, then the WASM
// runtime, so the watchdog never outlives what it interrupts.
func (e *Engine) Stop(ctx context.Context) error {
	e.watchdog.Stop()
	return e.wasmRT.Close(ctx)
}

// maxExecutionTimeoutMs bounds what callers can ask for through the
// TimeoutMs tag.
const maxExecutionTimeoutMs = 5 * 60 * 1000

// executionTimeout reads the TimeoutMs tag, falling back to the
// default on absence or a malformed value and clamping to the bound.
func executionTimeout(metadata map[string]string) time.Duration {
	timeoutMs := types.DefaultExecutionTimeoutMs
	if raw, ok := metadata[types.TagTimeoutMs]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			log.Printf("ignoring malformed %s tag %q", types.TagTimeoutMs, raw)
		} else {
			timeoutMs = parsed
		}
	}
	if timeoutMs > maxExecutionTimeoutMs {
		timeoutMs = maxExecutionTimeoutMs
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

// CompileAndRunJS compiles (or replays) a JS source, runs its top-level
// code, and invokes the named handler with the JSON-decoded inputs.
// An empty handler means load-only. When wasm accompanies the source,
// the module's exports are registered for the script before it runs.
func (e *Engine) CompileAndRunJS(code string, wasm []byte, handler string, input []string, metadata map[string]string, cctx *CompilationContext) (*ExecutionResponse, error) {
	started := time.Now()

	out := cctx
	if out == nil {
		out = &CompilationContext{Source: code, WasmBytes: wasm}
	}

	vm := goja.New()

	// Execution context for WASM calls made from the script,
	// cancelled by the watchdog alongside the goja interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.watchdog.StartTimer(jsInterrupter{vm: vm, cancel: cancel}, executionTimeout(metadata))
	defer e.watchdog.EndTimer()

	for _, visitor := range e.visitors {
		if err := visitor.Visit(vm); err != nil {
			return nil, types.Statusf(types.StatusRunError, "applying isolate visitor: %v", err)
		}
	}

	if len(out.WasmBytes) > 0 {
		if out.WasmModule == nil {
			mod, err := e.wasmRT.Compile(ctx, out.WasmBytes)
			if err != nil {
				return nil, err
			}
			out.WasmModule = mod
		}
		cleanup, err := installWasmExports(ctx, vm, e.wasmRT, out.WasmModule)
		if err != nil {
			return nil, err
		}
		defer cleanup()
	}

	// Capture the builtin JSON before untrusted top-level code runs
	// and can replace it.
	codec, err := runtimeJSON(vm)
	if err != nil {
		return nil, err
	}

	if out.Program == nil {
		prog, err := goja.Compile("code.js", out.Source, false)
		if err != nil {
			return nil, types.Statusf(types.StatusCompileError, "%v", err)
		}
		out.Program = prog
	}

	if _, err := vm.RunProgram(out.Program); err != nil {
		return nil, e.scriptError(err, types.StatusRunError)
	}

	response := ""
	if handler != "" {
		fn, ok := goja.AssertFunction(vm.Get(handler))
		if !ok {
			return nil, types.Statusf(types.StatusInvokeError, "handler %q is not a function", handler)
		}

		args, err := codec.parseInput(input)
		if err != nil {
			return nil, err
		}

		result, err := fn(goja.Undefined(), args...)
		if err != nil {
			return nil, e.scriptError(err, types.StatusInvokeError)
		}

		result, err = e.awaitResult(vm, result)
		if err != nil {
			return nil, err
		}

		response, err = codec.stringifyResult(result)
		if err != nil {
			return nil, err
		}
	}

	return &ExecutionResponse{
		Response:  response,
		Context:   out,
		CodeRunNs: time.Since(started).Nanoseconds(),
	}, nil
}

// CompileAndRunWasm compiles (or replays) a standalone WASM module and
// invokes the named export.
func (e *Engine) CompileAndRunWasm(wasm []byte, handler string, input []string, metadata map[string]string, returnType types.WasmType, cctx *CompilationContext) (*ExecutionResponse, error) {
	started := time.Now()

	out := cctx
	if out == nil {
		out = &CompilationContext{WasmBytes: wasm, WasmReturnType: returnType}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.watchdog.StartTimer(cancelInterrupter{cancel}, executionTimeout(metadata))
	defer e.watchdog.EndTimer()

	if out.WasmModule == nil {
		mod, err := e.wasmRT.Compile(ctx, out.WasmBytes)
		if err != nil {
			return nil, err
		}
		out.WasmModule = mod
	}

	response, err := e.wasmRT.Execute(ctx, out.WasmModule, handler, input, out.WasmReturnType)
	if err != nil {
		if e.watchdog.Fired() {
			return nil, types.NewStatus(types.StatusExecutionTimeout, "execution timeout")
		}
		return nil, err
	}

	return &ExecutionResponse{
		Response:  response,
		Context:   out,
		CodeRunNs: time.Since(started).Nanoseconds(),
	}, nil
}

// scriptError maps a goja failure onto the status taxonomy, folding
// watchdog interrupts into the timeout status.
func (e *Engine) scriptError(err error, code types.StatusCode) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || e.watchdog.Fired() {
		return types.NewStatus(types.StatusExecutionTimeout, "execution timeout")
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return types.Statusf(code, "%v", exception)
	}
	return types.Statusf(code, "%v", err)
}

// awaitResult unwraps a Promise returned by a handler. goja drains the
// microtask queue when the call stack empties, so a well-behaved
// promise has already settled by the time we look at it; anything
// still pending can never settle here and is reported as a failure.
func (e *Engine) awaitResult(vm *goja.Runtime, result goja.Value) (goja.Value, error) {
	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return result, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, types.Statusf(types.StatusAsyncExecutionFailed, "%s", promiseRejectionMessage(promise))
	default:
		return nil, types.NewStatus(types.StatusAsyncExecutionFailed, "promise never settled")
	}
}

func promiseRejectionMessage(p *goja.Promise) string {
	reason := p.Result()
	if reason == nil {
		return "promise rejected"
	}
	return reason.String()
}

// jsonCodec holds the runtime's builtin JSON.parse and JSON.stringify,
// so arguments and results get exact JS JSON semantics: key insertion
// order is preserved and nothing is HTML-escaped.
type jsonCodec struct {
	vm        *goja.Runtime
	parse     goja.Callable
	stringify goja.Callable
}

// runtimeJSON resolves the JSON builtins from a fresh runtime.
func runtimeJSON(vm *goja.Runtime) (*jsonCodec, error) {
	jsonValue := vm.Get("JSON")
	if jsonValue == nil || goja.IsUndefined(jsonValue) {
		return nil, types.NewStatus(types.StatusRunError, "runtime has no JSON object")
	}
	jsonObj := jsonValue.ToObject(vm)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, types.NewStatus(types.StatusRunError, "JSON.parse is not a function")
	}
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, types.NewStatus(types.StatusRunError, "JSON.stringify is not a function")
	}
	return &jsonCodec{vm: vm, parse: parse, stringify: stringify}, nil
}

// parseInput JSON-decodes each input into a runtime value. Empty
// strings become undefined, mirroring a missing argument.
func (c *jsonCodec) parseInput(input []string) ([]goja.Value, error) {
	args := make([]goja.Value, len(input))
	for i, raw := range input {
		if raw == "" {
			args[i] = goja.Undefined()
			continue
		}
		parsed, err := c.parse(goja.Undefined(), c.vm.ToValue(raw))
		if err != nil {
			return nil, types.Statusf(types.StatusInputParseError, "input %d is not valid JSON: %v", i, err)
		}
		args[i] = parsed
	}
	return args, nil
}

// stringifyResult JSON-encodes a handler's return value. Undefined
// results (and values JSON.stringify cannot represent, like a bare
// function) yield an empty response.
func (c *jsonCodec) stringifyResult(result goja.Value) (string, error) {
	if result == nil || goja.IsUndefined(result) {
		return "", nil
	}
	encoded, err := c.stringify(goja.Undefined(), result)
	if err != nil {
		return "", types.Statusf(types.StatusOutputStringifyError, "encoding handler result: %v", err)
	}
	if goja.IsUndefined(encoded) {
		return "", nil
	}
	return encoded.String(), nil
}

// cancelInterrupter adapts a context cancel to the watchdog's target.
type cancelInterrupter struct {
	cancel context.CancelFunc
}

func (c cancelInterrupter) Interrupt(v interface{}) { c.cancel() }

// jsInterrupter aborts a JS execution and any WASM call the script is
// blocked in.
type jsInterrupter struct {
	vm     *goja.Runtime
	cancel context.CancelFunc
}

func (j jsInterrupter) Interrupt(v interface{}) {
	j.cancel()
	j.vm.Interrupt(v)
}
