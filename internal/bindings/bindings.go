// Package bindings implements host function bindings: host-side Go
// functions that sandboxed scripts can call. Arguments and results
// travel in a BindingIO record; between a sandboxed worker and the host
// the record crosses a dedicated socket pair as framed messages.
package bindings

// BindingIO is the argument/result record for one binding invocation.
// At most one input field and at most one output field is set; any
// entry in Errors marks the invocation as failed.
type BindingIO struct {
	FunctionName string `json:"function_name"`

	InputString       *string           `json:"input_string,omitempty"`
	InputListOfString []string          `json:"input_list_of_string,omitempty"`
	InputMapOfString  map[string]string `json:"input_map_of_string,omitempty"`

	OutputString       *string           `json:"output_string,omitempty"`
	OutputListOfString []string          `json:"output_list_of_string,omitempty"`
	OutputMapOfString  map[string]string `json:"output_map_of_string,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// SetInputString marks the input as a single string.
func (io *BindingIO) SetInputString(s string) { io.InputString = &s }

// SetOutputString marks the result as a single string.
func (io *BindingIO) SetOutputString(s string) { io.OutputString = &s }

// AddError appends a failure message, marking the invocation failed.
func (io *BindingIO) AddError(msg string) { io.Errors = append(io.Errors, msg) }

// HasOutput reports whether any output field was populated.
func (io *BindingIO) HasOutput() bool {
	return io.OutputString != nil || io.OutputListOfString != nil || io.OutputMapOfString != nil
}

// Function is a host-side binding implementation. It reads the input
// fields and populates an output field, or appends to Errors.
type Function func(io *BindingIO)

// FunctionBinding pairs a name visible to scripts with its host
// implementation and optional registered metadata.
type FunctionBinding struct {
	Name     string
	Function Function

	// Metadata is an opaque registered string carried alongside the
	// binding, surfaced to the host function via the registry.
	Metadata string
}

// Invoker routes a binding invocation to its implementation. Inside a
// sandbox this crosses the binding channel; in-process it calls the
// registry directly.
type Invoker interface {
	Invoke(io *BindingIO) error
}

// Registry holds the configured bindings, keyed by name.
type Registry struct {
	byName map[string]FunctionBinding
	names  []string
}

// NewRegistry builds a registry. Later bindings with a duplicate name
// replace earlier ones.
func NewRegistry(fns []FunctionBinding) *Registry {
	r := &Registry{byName: make(map[string]FunctionBinding, len(fns))}
	for _, fb := range fns {
		if _, dup := r.byName[fb.Name]; !dup {
			r.names = append(r.names, fb.Name)
		}
		r.byName[fb.Name] = fb
	}
	return r
}

// Names returns the binding names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Empty reports whether no bindings are registered.
func (r *Registry) Empty() bool { return len(r.byName) == 0 }

// Metadata returns the registered-metadata string of a binding, or
// empty for unknown names.
func (r *Registry) Metadata(name string) string { return r.byName[name].Metadata }

// Dispatch runs the named binding against io. An unknown name is
// recorded as an invocation error rather than returned, so the failure
// reaches the calling script.
func (r *Registry) Dispatch(io *BindingIO) {
	fb, ok := r.byName[io.FunctionName]
	if !ok {
		io.AddError("unknown function binding: " + io.FunctionName)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			io.AddError("function binding panicked")
		}
	}()
	fb.Function(io)
}

// LocalInvoker dispatches directly against a registry, for in-process
// workers.
type LocalInvoker struct {
	Registry *Registry
}

// Invoke implements Invoker.
func (l *LocalInvoker) Invoke(io *BindingIO) error {
	l.Registry.Dispatch(io)
	return nil
}
