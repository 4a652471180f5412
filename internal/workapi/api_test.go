package workapi

import (
	"os"
	"syscall"
	"testing"

	"github.com/fenceworks/fence/internal/bindings"
	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/worker"
)

// TestMain lets this test binary double as the sandbox worker: the
// stub re-executes os.Args[0], and the child enters the serve loop
// before any test flags are parsed.
func TestMain(m *testing.M) {
	if os.Getenv(EnvSandbox) == "1" {
		worker.Serve(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func loadReq(version, code string) *ipc.RunCodeRequest {
	return &ipc.RunCodeRequest{
		Code: code,
		Metadata: map[string]string{
			types.TagRequestType:   types.RequestTypeJavascript,
			types.TagRequestAction: types.RequestActionLoad,
			types.TagCodeVersion:   version,
		},
	}
}

func execReq(version, handler string, input ...string) *ipc.RunCodeRequest {
	return &ipc.RunCodeRequest{
		Input: input,
		Metadata: map[string]string{
			types.TagRequestType:   types.RequestTypeJavascript,
			types.TagRequestAction: types.RequestActionExecute,
			types.TagCodeVersion:   version,
			types.TagHandlerName:   handler,
		},
	}
}

func TestSandboxAPILifecycle(t *testing.T) {
	api := NewSandboxAPI(Config{Engine: "goja", RequirePreload: true})
	if err := api.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer api.Stop()
	if err := api.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := api.RunCode(loadReq("1", `function Handler(x) { return "Hello world! " + JSON.stringify(x); }`)); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	resp, err := api.RunCode(execReq("1", "Handler", `"Foobar"`))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	want := `"Hello world! \"Foobar\""`
	if resp.Response != want {
		t.Errorf("response = %q, want %q", resp.Response, want)
	}
	if resp.Metrics[types.MetricSandboxedCodeRunNs] <= 0 {
		t.Errorf("expected sandboxed duration metric, got %v", resp.Metrics)
	}

	if err := api.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	// Stop is idempotent.
	if err := api.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestSandboxAPIErrorsCrossTheBoundary(t *testing.T) {
	api := NewSandboxAPI(Config{RequirePreload: true})
	if err := api.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer api.Stop()

	_, err := api.RunCode(execReq("404", "Handler"))
	if types.CodeOf(err) != types.StatusMissingContext {
		t.Errorf("expected missing context, got %v", err)
	}

	_, err = api.RunCode(loadReq("1", `function Handler( {`))
	if types.CodeOf(err) != types.StatusCompileError {
		t.Errorf("expected compile error, got %v", err)
	}
}

func TestSandboxAPICrashRecovery(t *testing.T) {
	api := NewSandboxAPI(Config{RequirePreload: false})
	if err := api.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer api.Stop()

	pid := api.Pid()
	if pid <= 0 {
		t.Fatalf("expected a child pid, got %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("killing child: %v", err)
	}

	// The request that races with the crash comes back retryable, with
	// the sandbox already restarted.
	_, err := api.RunCode(execReq("1", "Handler"))
	if types.CodeOf(err) != types.StatusWorkerCrashed {
		t.Fatalf("expected worker crashed, got %v", err)
	}
	if !types.IsRetryable(err) {
		t.Error("worker crash should be retryable")
	}

	if newPid := api.Pid(); newPid <= 0 || newPid == pid {
		t.Errorf("expected a replacement child, pid went %d -> %d", pid, newPid)
	}

	// The replacement serves requests.
	resp, err := api.RunCode(&ipc.RunCodeRequest{
		Code: `function Handler() { return "recovered"; }`,
		Metadata: map[string]string{
			types.TagRequestType:   types.RequestTypeJavascript,
			types.TagRequestAction: types.RequestActionExecute,
			types.TagCodeVersion:   "1",
			types.TagHandlerName:   "Handler",
		},
	})
	if err != nil {
		t.Fatalf("execute after restart failed: %v", err)
	}
	if resp.Response != `"recovered"` {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestSandboxAPIRunCodeBeforeInit(t *testing.T) {
	api := NewSandboxAPI(Config{})
	if _, err := api.RunCode(execReq("1", "Handler")); types.CodeOf(err) != types.StatusSandboxNotInitialized {
		t.Errorf("expected sandbox-not-initialized, got %v", err)
	}
}

func TestSandboxAPIBindings(t *testing.T) {
	registry := bindings.NewRegistry([]bindings.FunctionBinding{
		{
			Name: "cool_function",
			Function: func(io *bindings.BindingIO) {
				io.SetOutputString(*io.InputString + " String from Go")
			},
		},
	})

	ch, err := bindings.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	srv := bindings.NewServer(registry, ch)
	srv.Start()
	defer srv.Stop()

	api := NewSandboxAPI(Config{
		RequirePreload: true,
		BindingNames:   registry.Names(),
		BindingChild:   ch.ChildFile(),
	})
	if err := api.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer api.Stop()

	if _, err := api.RunCode(loadReq("1", `function Handler(input) { return cool_function(input); }`)); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	resp, err := api.RunCode(execReq("1", "Handler", `"Foobar"`))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Response != `"Foobar String from Go"` {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestInProcessAPI(t *testing.T) {
	api := NewInProcessAPI(Config{RequirePreload: true}, bindings.NewRegistry(nil))
	if err := api.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer api.Stop()
	if err := api.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := api.RunCode(loadReq("1", `function Handler(x) { return x * 2; }`)); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	resp, err := api.RunCode(execReq("1", "Handler", "21"))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Response != "42" {
		t.Errorf("response = %q, want 42", resp.Response)
	}
}
