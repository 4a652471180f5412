package jsengine

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/fenceworks/fence/internal/bindings"
)

// Visitor installs state on a fresh runtime before an execution. The
// engine walks its visitors for every run, so everything a visitor
// registers is per-execution.
type Visitor interface {
	Visit(vm *goja.Runtime) error
}

// FunctionBindingVisitor registers the configured host functions on the
// runtime's global object. A call from script marshals its single
// argument into a BindingIO, routes it through the invoker, and
// converts the answer back, throwing on any failure class.
type FunctionBindingVisitor struct {
	Names   []string
	Invoker bindings.Invoker
}

// Visit implements Visitor.
func (v *FunctionBindingVisitor) Visit(vm *goja.Runtime) error {
	for _, name := range v.Names {
		name := name
		err := vm.Set(name, func(call goja.FunctionCall) goja.Value {
			return v.call(vm, name, call)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *FunctionBindingVisitor) call(vm *goja.Runtime, name string, call goja.FunctionCall) goja.Value {
	if len(call.Arguments) > 1 {
		panic(vm.NewTypeError("%s accepts at most one argument", name))
	}

	bio := &bindings.BindingIO{FunctionName: name}
	if len(call.Arguments) == 1 {
		if !marshalArgument(call.Arguments[0], bio) {
			panic(vm.NewTypeError("could not convert input of %s to a supported type", name))
		}
	}

	if err := v.Invoker.Invoke(bio); err != nil {
		panic(vm.NewGoError(fmt.Errorf("could not run host function binding %s: %w", name, err)))
	}
	if len(bio.Errors) > 0 {
		panic(vm.NewGoError(fmt.Errorf("error in host function binding %s: %s", name, strings.Join(bio.Errors, "; "))))
	}

	switch {
	case bio.OutputString != nil:
		return vm.ToValue(*bio.OutputString)
	case bio.OutputListOfString != nil:
		return vm.ToValue(bio.OutputListOfString)
	case bio.OutputMapOfString != nil:
		return vm.ToValue(bio.OutputMapOfString)
	}
	panic(vm.NewGoError(fmt.Errorf("host function binding %s returned no convertible value", name)))
}

// marshalArgument accepts a string, a list of strings, or a map of
// string to string.
func marshalArgument(arg goja.Value, bio *bindings.BindingIO) bool {
	switch exported := arg.Export().(type) {
	case string:
		bio.SetInputString(exported)
		return true

	case []interface{}:
		list := make([]string, 0, len(exported))
		for _, item := range exported {
			s, ok := item.(string)
			if !ok {
				return false
			}
			list = append(list, s)
		}
		bio.InputListOfString = list
		return true

	case []string:
		bio.InputListOfString = exported
		return true

	case map[string]interface{}:
		m := make(map[string]string, len(exported))
		for k, item := range exported {
			s, ok := item.(string)
			if !ok {
				return false
			}
			m[k] = s
		}
		bio.InputMapOfString = m
		return true
	}
	return false
}
