// Package workapi is the host-side stub for a sandboxed worker: it
// spawns the confined child process, speaks the framed control
// protocol with it, transfers the function-binding descriptor, and
// restarts the child transparently when it dies.
package workapi

import (
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/sandboxenv"
	"github.com/fenceworks/fence/internal/types"
)

// WorkerFlag is appended to the child command line so an embedding
// binary can recognise that it was re-executed as a sandbox worker.
const WorkerFlag = "--fence-worker"

// Environment passed to the child; the worker applies its own
// confinement from these before serving.
const (
	EnvSandbox  = "FENCE_SANDBOX"
	EnvMemoryMB = sandboxenv.EnvMemoryMB
	EnvSeccomp  = sandboxenv.EnvSeccomp
)

// API is the operation surface of one worker slot, whether the worker
// runs in a sandboxed child or in-process.
type API interface {
	Init() error
	Run() error
	Stop() error
	RunCode(req *ipc.RunCodeRequest) (*ipc.RunCodeResponse, error)
}

// Config describes how to spawn and initialize one sandboxed worker.
type Config struct {
	// WorkerBinary is the sandbox worker executable. Empty means
	// re-exec the current binary with WorkerFlag; the embedding main
	// must route that through fence.MaybeRunWorker.
	WorkerBinary string

	// Engine selects the script engine inside the worker.
	Engine string

	// RequirePreload makes executes of never-loaded versions fail.
	RequirePreload bool

	// BindingNames are the host functions exposed to scripts.
	BindingNames []string

	// BindingChild is the sandbox end of the binding channel,
	// transferred into the child as an inherited descriptor. Nil when
	// no bindings are configured.
	BindingChild *os.File

	// WasmMemoryPages caps guest linear memory.
	WasmMemoryPages uint32

	// MaxMemoryMB bounds the child's address space. Zero disables the
	// limit.
	MaxMemoryMB int

	// Seccomp turns on the child's syscall allow-list.
	Seccomp bool
}

// SandboxAPI owns exactly one sandboxed child running a worker. Calls
// are internally serialized; concurrency lives above, in the
// dispatcher and pool.
type SandboxAPI struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	active bool
}

// NewSandboxAPI builds a stub; the child is not spawned until Init.
func NewSandboxAPI(cfg Config) *SandboxAPI {
	return &SandboxAPI{cfg: cfg}
}

// Init terminates any previous child, spawns a fresh one under the
// confinement configuration, transfers the binding descriptor, sends
// the init parameters, and waits for the child to report active.
func (s *SandboxAPI) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *SandboxAPI) initLocked() error {
	s.terminateLocked()

	binary := s.cfg.WorkerBinary
	if binary == "" {
		binary = os.Args[0]
	}

	cmd := exec.Command(binary, WorkerFlag)
	cmd.Env = append(os.Environ(), EnvSandbox+"=1")
	if s.cfg.MaxMemoryMB > 0 {
		cmd.Env = append(cmd.Env, EnvMemoryMB+"="+strconv.Itoa(s.cfg.MaxMemoryMB))
	}
	if s.cfg.Seccomp {
		cmd.Env = append(cmd.Env, EnvSeccomp+"=1")
	}
	cmd.Stderr = os.Stderr

	// The binding channel rides along as the first inherited
	// descriptor after stdio.
	bindingFD := -1
	if s.cfg.BindingChild != nil {
		cmd.ExtraFiles = []*os.File{s.cfg.BindingChild}
		bindingFD = 3
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return types.Statusf(types.StatusSandboxInitFailed, "creating stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return types.Statusf(types.StatusSandboxInitFailed, "creating stdout pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return types.Statusf(types.StatusSandboxInitFailed, "spawning sandbox worker: %v", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout

	init := ipc.Envelope{
		Type: ipc.MsgInit,
		Init: &ipc.InitParams{
			Engine:          s.cfg.Engine,
			RequirePreload:  s.cfg.RequirePreload,
			BindingFD:       bindingFD,
			BindingNames:    s.cfg.BindingNames,
			WasmMemoryPages: s.cfg.WasmMemoryPages,
		},
	}
	reply, err := s.callLocked(&init)
	if err != nil {
		s.terminateLocked()
		return types.Statusf(types.StatusSandboxInitFailed, "initializing sandbox worker: %v", err)
	}
	if err := reply.StatusErr(); err != nil {
		s.terminateLocked()
		return err
	}

	s.active = true
	return nil
}

// Run tells the worker to start serving. Kept distinct from Init to
// mirror the service lifecycle.
func (s *SandboxAPI) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return types.NewStatus(types.StatusSandboxNotInitialized, "run on uninitialized sandbox")
	}
	reply, err := s.callLocked(&ipc.Envelope{Type: ipc.MsgRun})
	if err != nil {
		return types.Statusf(types.StatusSandboxIpcFailed, "running sandbox worker: %v", err)
	}
	return reply.StatusErr()
}

// RunCode sends one request into the sandbox and waits for the reply.
// If the child died, the stub restarts it and reports a retryable
// worker-crashed status; the request itself is not re-submitted.
func (s *SandboxAPI) RunCode(req *ipc.RunCodeRequest) (*ipc.RunCodeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil, types.NewStatus(types.StatusSandboxNotInitialized, "run_code on uninitialized sandbox")
	}

	started := time.Now()
	reply, err := s.callLocked(&ipc.Envelope{Type: ipc.MsgRunCode, Run: req})
	if err != nil {
		if !s.childDeadLocked(err) {
			return nil, types.Statusf(types.StatusSandboxIpcFailed, "run_code transport failed: %v", err)
		}
		// The sandbox died. Restart it and let the caller decide
		// whether to retry the request.
		s.active = false
		if initErr := s.initLocked(); initErr != nil {
			return nil, initErr
		}
		return nil, types.RetryStatus(types.StatusWorkerCrashed, "sandbox worker crashed and was restarted")
	}
	if err := reply.StatusErr(); err != nil {
		return nil, err
	}

	resp := reply.Result
	if resp == nil {
		resp = &ipc.RunCodeResponse{}
	}
	if resp.Metrics == nil {
		resp.Metrics = make(map[string]int64)
	}
	resp.Metrics[types.MetricSandboxedCodeRunNs] = time.Since(started).Nanoseconds()
	return resp, nil
}

// Stop sends a stop message, then terminates the child. Idempotent.
func (s *SandboxAPI) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	if s.active {
		if _, err := s.callLocked(&ipc.Envelope{Type: ipc.MsgStop}); err != nil &&
			!errors.Is(err, io.EOF) && !errors.Is(err, syscall.EPIPE) {
			log.Printf("stopping sandbox worker: %v", err)
		}
	}
	s.terminateLocked()
	return nil
}

// Terminate kills the child without protocol niceties.
func (s *SandboxAPI) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
}

func (s *SandboxAPI) callLocked(env *ipc.Envelope) (*ipc.Envelope, error) {
	if err := ipc.WriteFrame(s.stdin, env); err != nil {
		return nil, err
	}
	var reply ipc.Envelope
	if err := ipc.ReadFrame(s.stdout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// childDeadLocked decides whether a transport failure means the child
// is gone. A broken pipe or EOF on the control channel only happens
// when the child exited; anything else is cross-checked by signaling.
func (s *SandboxAPI) childDeadLocked(transportErr error) bool {
	if errors.Is(transportErr, io.EOF) || errors.Is(transportErr, io.ErrUnexpectedEOF) ||
		errors.Is(transportErr, syscall.EPIPE) || errors.Is(transportErr, os.ErrClosed) {
		return true
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return true
	}
	return s.cmd.Process.Signal(syscall.Signal(0)) != nil
}

// Pid reports the current child's process id, for diagnostics. Zero
// when no child is running.
func (s *SandboxAPI) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// terminateLocked kills the current child, if any, and waits until it
// is inactive.
func (s *SandboxAPI) terminateLocked() {
	if s.cmd == nil {
		return
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	if s.stdout != nil {
		s.stdout.Close()
	}
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	s.active = false
}
