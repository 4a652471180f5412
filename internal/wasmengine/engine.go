// Package wasmengine wraps wazero to compile and execute untrusted
// WASM modules. The only WASI surface exposed to guests is
// wasi_snapshot_preview1.proc_exit, which terminates the current
// execution. Handler arguments beyond plain integers are serialized
// into linear memory by wasmcodec.
package wasmengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/wasmcodec"
)

const wasiModule = "wasi_snapshot_preview1"

// procExitError is the panic value proc_exit unwinds the guest with.
// wazero recovers host-function panics and hands them back as the
// error of the in-flight call.
type procExitError struct {
	code uint32
}

func (e procExitError) Error() string {
	return fmt.Sprintf("proc_exit(%d)", e.code)
}

// Runtime is a per-worker wazero runtime. Compiled modules created from
// it are only valid against it.
type Runtime struct {
	rt              wazero.Runtime
	instanceCounter uint64
}

// NewRuntime builds a runtime with the restricted WASI surface
// instantiated. memPages, when non-zero, caps guest linear memory in
// 64KiB pages; values above the 32-bit limit are clamped.
func NewRuntime(ctx context.Context, memPages uint32) (*Runtime, error) {
	if memPages > types.MaxWasm32BitMemPages {
		memPages = types.MaxWasm32BitMemPages
	}
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memPages > 0 {
		cfg = cfg.WithMemoryLimitPages(memPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	// proc_exit closes the calling module and unwinds the in-flight
	// call. No other WASI import resolves.
	_, err := rt.NewHostModuleBuilder(wasiModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			code := uint32(stack[0])
			_ = mod.CloseWithExitCode(ctx, code)
			panic(procExitError{code: code})
		}), []api.ValueType{api.ValueTypeI32}, nil).
		WithParameterNames("rval").
		Export("proc_exit").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi surface: %w", err)
	}

	return &Runtime{rt: rt}, nil
}

// Module is a compiled WASM module, the per-version compilation
// context for WASM code objects.
type Module struct {
	compiled wazero.CompiledModule
}

// ExportedFunctions exposes the module's function exports, used by the
// JS bridge to surface them to scripts.
func (m *Module) ExportedFunctions() map[string]api.FunctionDefinition {
	return m.compiled.ExportedFunctions()
}

// Compile compiles bytes once; the result is replayed cheaply by
// Instantiate on every execution.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, types.Statusf(types.StatusCompileError, "compiling wasm module: %v", err)
	}
	return &Module{compiled: compiled}, nil
}

// Instantiate creates a fresh instance of a compiled module. Each
// execution gets its own instance so no state leaks between requests.
func (r *Runtime) Instantiate(ctx context.Context, m *Module) (api.Module, error) {
	name := fmt.Sprintf("m%d", atomic.AddUint64(&r.instanceCounter, 1))
	mod, err := r.rt.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, types.Statusf(types.StatusRunError, "instantiating wasm module: %v", err)
	}
	return mod, nil
}

// Close disposes the runtime and everything compiled against it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Execute instantiates m, marshals the JSON-encoded inputs into the
// instance, calls the handler, and reads the declared return type back
// out of linear memory. An empty handler name means load-only: the
// module is instantiated (running its start function) and nothing else.
func (r *Runtime) Execute(ctx context.Context, m *Module, handler string, input []string, returnType types.WasmType) (string, error) {
	mod, err := r.Instantiate(ctx, m)
	if err != nil {
		return "", err
	}
	defer mod.Close(ctx)

	if handler == "" {
		return "", nil
	}

	fn := mod.ExportedFunction(handler)
	if fn == nil {
		return "", types.Statusf(types.StatusInvokeError, "wasm module does not export %q", handler)
	}

	args, err := marshalArgs(mod, input)
	if err != nil {
		return "", err
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			return "", types.Statusf(types.StatusInvokeError, "wasm execution terminated: proc_exit(%d)", exit.ExitCode())
		}
		var procExit procExitError
		if errors.As(err, &procExit) || strings.Contains(err.Error(), "proc_exit(") {
			return "", types.Statusf(types.StatusInvokeError, "wasm execution terminated: %v", err)
		}
		if ctx.Err() != nil {
			return "", types.NewStatus(types.StatusExecutionTimeout, "wasm execution terminated")
		}
		return "", types.Statusf(types.StatusInvokeError, "invoking wasm handler %q: %v", handler, err)
	}

	if len(results) == 0 {
		return "", nil
	}
	return readReturn(mod, uint32(results[0]), returnType)
}

// marshalArgs turns JSON-encoded inputs into call parameters. Numbers
// pass by value; strings and lists of strings are serialized into
// linear memory contiguously from a running offset, and the offset is
// passed instead.
func marshalArgs(mod api.Module, input []string) ([]uint64, error) {
	args := make([]uint64, 0, len(input))
	mem := mod.Memory()

	var view []byte
	var offset uint32
	if mem != nil {
		buf, ok := mem.Read(0, mem.Size())
		if !ok {
			return nil, types.NewStatus(types.StatusInputParseError, "wasm memory not readable")
		}
		view = buf
	}

	for i, raw := range input {
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, types.Statusf(types.StatusInputParseError, "input %d is not valid JSON: %v", i, err)
		}

		switch v := parsed.(type) {
		case float64:
			args = append(args, uint64(uint32(int32(v))))

		case string:
			if view == nil {
				return nil, types.NewStatus(types.StatusInputParseError, "string argument but module has no memory")
			}
			ptr, err := wasmcodec.WriteString(view, offset, v)
			if err != nil {
				return nil, types.Statusf(types.StatusInputParseError, "serializing input %d: %v", i, err)
			}
			args = append(args, uint64(ptr))
			offset += wasmcodec.SizeOfString(v)

		case []interface{}:
			list, err := toStringList(v)
			if err != nil {
				return nil, types.Statusf(types.StatusInputParseError, "input %d: %v", i, err)
			}
			if view == nil {
				return nil, types.NewStatus(types.StatusInputParseError, "list argument but module has no memory")
			}
			ptr, err := wasmcodec.WriteListOfString(view, offset, list)
			if err != nil {
				return nil, types.Statusf(types.StatusInputParseError, "serializing input %d: %v", i, err)
			}
			args = append(args, uint64(ptr))
			offset += wasmcodec.SizeOfList(list)

		default:
			return nil, types.Statusf(types.StatusInputParseError, "input %d has unsupported type %T", i, parsed)
		}
	}
	return args, nil
}

func toStringList(items []interface{}) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("list element %T is not a string", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// readReturn interprets the handler's i32 result under the declared
// return type and JSON-encodes it.
func readReturn(mod api.Module, ret uint32, returnType types.WasmType) (string, error) {
	switch returnType {
	case types.WasmTypeUint32:
		out, err := json.Marshal(ret)
		if err != nil {
			return "", types.Statusf(types.StatusOutputStringifyError, "encoding wasm result: %v", err)
		}
		return string(out), nil

	case types.WasmTypeString, types.WasmTypeListOfString:
		mem := mod.Memory()
		if mem == nil {
			return "", types.NewStatus(types.StatusOutputStringifyError, "module has no memory to read result from")
		}
		view, ok := mem.Read(0, mem.Size())
		if !ok {
			return "", types.NewStatus(types.StatusOutputStringifyError, "wasm memory not readable")
		}
		var value interface{}
		var err error
		if returnType == types.WasmTypeString {
			value, err = wasmcodec.ReadString(view, ret)
		} else {
			value, err = wasmcodec.ReadListOfString(view, ret)
		}
		if err != nil {
			return "", types.Statusf(types.StatusOutputStringifyError, "reading wasm result at offset %d: %v", ret, err)
		}
		out, err := json.Marshal(value)
		if err != nil {
			return "", types.Statusf(types.StatusOutputStringifyError, "encoding wasm result: %v", err)
		}
		return string(out), nil

	default:
		return "", types.NewStatus(types.StatusUnknownWasmReturnType, "code object declared no wasm return type")
	}
}
