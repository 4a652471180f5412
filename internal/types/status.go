package types

import (
	"errors"
	"fmt"
)

// StatusCode classifies every failure the runtime can report.
type StatusCode int

const (
	StatusOK StatusCode = iota

	// Request shape and tag problems.
	StatusInvalidArgument

	// Engine failures. Each carries the extracted engine message.
	StatusCompileError
	StatusRunError
	StatusInvokeError
	StatusAsyncExecutionFailed
	StatusInputParseError
	StatusOutputStringifyError

	// Execute referencing an unknown version while preload is required.
	StatusMissingContext

	// Configuration mismatches.
	StatusUnknownRequestType
	StatusUnknownWasmReturnType
	StatusUnknownCodeType

	// The watchdog terminated the execution.
	StatusExecutionTimeout

	// Worker sandbox API failures.
	StatusSandboxInitFailed
	StatusSandboxIpcFailed
	StatusSandboxNotInitialized

	// Observed sandbox death; the sandbox has been restarted, the
	// caller may retry.
	StatusWorkerCrashed

	// Dispatcher admission control.
	StatusDispatchDisallowed
	StatusCapacityExhausted
)

var statusNames = map[StatusCode]string{
	StatusOK:                    "ok",
	StatusInvalidArgument:       "invalid argument",
	StatusCompileError:          "compile error",
	StatusRunError:              "run error",
	StatusInvokeError:           "invoke error",
	StatusAsyncExecutionFailed:  "async execution failed",
	StatusInputParseError:       "input parse error",
	StatusOutputStringifyError:  "output stringify error",
	StatusMissingContext:        "missing compilation context",
	StatusUnknownRequestType:    "unknown request type",
	StatusUnknownWasmReturnType: "unknown wasm return type",
	StatusUnknownCodeType:       "unknown code type",
	StatusExecutionTimeout:      "execution timeout",
	StatusSandboxInitFailed:     "sandbox init failed",
	StatusSandboxIpcFailed:      "sandbox ipc failed",
	StatusSandboxNotInitialized: "sandbox not initialized",
	StatusWorkerCrashed:         "worker crashed",
	StatusDispatchDisallowed:    "dispatch disallowed",
	StatusCapacityExhausted:     "capacity exhausted",
}

// String returns the human name of the code.
func (c StatusCode) String() string {
	if n, ok := statusNames[c]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Status is the error type carried through the runtime. Two Status
// errors match under errors.Is when their codes are equal, so callers
// can test against a bare NewStatus(code, "").
type Status struct {
	Code    StatusCode
	Message string

	// Retryable marks failures the caller may retry, e.g. a request
	// that raced with a worker crash and restart.
	Retryable bool
}

// NewStatus builds a non-retryable status error.
func NewStatus(code StatusCode, msg string) *Status {
	return &Status{Code: code, Message: msg}
}

// RetryStatus builds a retryable status error.
func RetryStatus(code StatusCode, msg string) *Status {
	return &Status{Code: code, Message: msg, Retryable: true}
}

// Statusf builds a status with a formatted message.
func Statusf(code StatusCode, format string, args ...interface{}) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (s *Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// Is matches by code so sentinel comparisons work.
func (s *Status) Is(target error) bool {
	var t *Status
	if errors.As(target, &t) {
		return s.Code == t.Code
	}
	return false
}

// CodeOf extracts the status code from an error chain. Nil maps to
// StatusOK; errors from outside the taxonomy map to -1.
func CodeOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}
	return StatusCode(-1)
}

// IsRetryable reports whether the error is a retryable status.
func IsRetryable(err error) bool {
	var s *Status
	return errors.As(err, &s) && s.Retryable
}
