package ipc

import "github.com/fenceworks/fence/internal/types"

// Envelope kinds exchanged on the worker control channel.
const (
	MsgInit    = "init"
	MsgRun     = "run"
	MsgRunCode = "run_code"
	MsgStop    = "stop"
	MsgAck     = "ack"
)

// InitParams configures a freshly spawned worker process.
type InitParams struct {
	// Engine selects the script engine. Only "goja" is defined.
	Engine string `json:"engine"`

	// RequirePreload makes executes of unknown versions fail with a
	// missing-context error instead of compiling on the fly.
	RequirePreload bool `json:"require_preload"`

	// BindingFD is the file descriptor number, as visible inside the
	// sandbox, of the function-binding channel. Negative means no
	// bindings are configured.
	BindingFD int `json:"binding_fd"`

	// BindingNames lists the host functions to expose to scripts.
	BindingNames []string `json:"binding_names"`

	// WasmMemoryPages caps WASM linear memory (64KiB pages); zero
	// leaves the engine default.
	WasmMemoryPages uint32 `json:"wasm_memory_pages"`
}

// RunCodeRequest carries one load or execute into the worker.
type RunCodeRequest struct {
	Code           string            `json:"code,omitempty"`
	Wasm           []byte            `json:"wasm,omitempty"`
	WasmReturnType types.WasmType    `json:"wasm_return_type,omitempty"`
	Input          []string          `json:"input,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RunCodeResponse carries the execution result and engine metrics back
// to the host.
type RunCodeResponse struct {
	Response string           `json:"response"`
	Metrics  map[string]int64 `json:"metrics,omitempty"`
}

// Envelope is the single message shape on the control channel. Type
// selects which payload field is meaningful. Failures travel as a
// non-zero StatusCode plus message.
type Envelope struct {
	Type string `json:"type"`

	Init   *InitParams      `json:"init,omitempty"`
	Run    *RunCodeRequest  `json:"run,omitempty"`
	Result *RunCodeResponse `json:"result,omitempty"`

	StatusCode types.StatusCode `json:"status_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	Retryable  bool             `json:"retryable,omitempty"`
}

// StatusErr converts a failed envelope back into a Status error, or
// nil when the envelope reports success.
func (e *Envelope) StatusErr() error {
	if e.StatusCode == types.StatusOK {
		return nil
	}
	s := &types.Status{Code: e.StatusCode, Message: e.Error, Retryable: e.Retryable}
	return s
}

// FailureEnvelope packs an error into an ack envelope.
func FailureEnvelope(err error) Envelope {
	env := Envelope{Type: MsgAck}
	if err == nil {
		return env
	}
	env.StatusCode = types.CodeOf(err)
	env.Error = err.Error()
	env.Retryable = types.IsRetryable(err)
	if env.StatusCode == types.StatusOK || env.StatusCode == types.StatusCode(-1) {
		env.StatusCode = types.StatusSandboxIpcFailed
	}
	return env
}
