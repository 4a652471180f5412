package jsengine

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero/api"

	"github.com/fenceworks/fence/internal/wasmengine"
)

// registeredWasmExports is the well-known global under which a code
// object's WASM exports are visible to its JavaScript. goja has no
// native WebAssembly object, so scripts reach their module through
// this registration instead of instantiating it themselves.
const registeredWasmExports = "WasmExports"

// installWasmExports instantiates the module and registers its
// function exports on the runtime's global object. The returned
// cleanup closes the instance after the execution.
func installWasmExports(ctx context.Context, vm *goja.Runtime, rt *wasmengine.Runtime, mod *wasmengine.Module) (func(), error) {
	inst, err := rt.Instantiate(ctx, mod)
	if err != nil {
		return nil, err
	}

	exports := vm.NewObject()
	for name := range mod.ExportedFunctions() {
		fn := inst.ExportedFunction(name)
		if fn == nil {
			continue
		}
		name := name
		err := exports.Set(name, func(call goja.FunctionCall) goja.Value {
			return callWasmExport(ctx, vm, name, fn, call)
		})
		if err != nil {
			inst.Close(ctx)
			return nil, err
		}
	}

	if err := vm.Set(registeredWasmExports, exports); err != nil {
		inst.Close(ctx)
		return nil, err
	}
	return func() { inst.Close(ctx) }, nil
}

// callWasmExport bridges one JS call onto a WASM export. Arguments are
// coerced to i32; the single result, if any, comes back as a number.
func callWasmExport(ctx context.Context, vm *goja.Runtime, name string, fn api.Function, call goja.FunctionCall) goja.Value {
	params := make([]uint64, len(call.Arguments))
	for i, arg := range call.Arguments {
		params[i] = uint64(uint32(arg.ToInteger()))
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		panic(vm.NewGoError(fmt.Errorf("wasm export %s: %w", name, err)))
	}
	if len(results) == 0 {
		return goja.Undefined()
	}
	return vm.ToValue(uint32(results[0]))
}
