package fence

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenceworks/fence/internal/testwasm"
	"github.com/fenceworks/fence/internal/types"
)

// TestMain lets the test binary serve as its own sandbox worker when
// the service re-executes it for process-mode tests.
func TestMain(m *testing.M) {
	MaybeRunWorker()
	os.Exit(m.Run())
}

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := New(cfg)
	if err := svc.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := svc.Run(); err != nil {
		svc.Stop()
		t.Fatalf("Run failed: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func mustBroadcast(t *testing.T, svc *Service, code *CodeObject) {
	t.Helper()
	var loaded atomic.Bool
	err := svc.Broadcast(code, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("broadcast failed: %v", err)
		}
		loaded.Store(true)
	})
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	waitUntil(t, loaded.Load)
}

func TestInitStop(t *testing.T) {
	svc := New(Config{NumberOfWorkers: 1, SandboxMode: SandboxInProcess})
	if err := svc.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := svc.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestExecuteCodeSandboxed(t *testing.T) {
	svc := startService(t, Config{NumberOfWorkers: 2, RequirePreload: true})

	mustBroadcast(t, svc, &CodeObject{
		ID:      "foo",
		Version: 1,
		JS:      `function Handler(input) { return "Hello world! " + JSON.stringify(input); }`,
	})

	var result atomic.Value
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		ID:          "foo",
		Version:     1,
		HandlerName: "Handler",
		Input:       []string{`"Foobar"`},
	}, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("execute failed: %v", err)
		} else {
			result.Store(resp.Resp)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	waitUntil(t, done.Load)
	want := `"Hello world! \"Foobar\""`
	if got, _ := result.Load().(string); got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
}

func TestConcurrentExecutionAcrossPool(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 5,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	mustBroadcast(t, svc, &CodeObject{
		ID:      "test",
		Version: 1,
		JS:      `function test(input) { return input + " Some string"; }`,
	})

	const total = 15
	results := make([]atomic.Value, total)
	var done atomic.Int32
	for i := 0; i < total; i++ {
		i := i
		err := svc.Dispatch(&InvocationRequest{
			Version:     1,
			HandlerName: "test",
			Input:       []string{fmt.Sprintf(`"Hello%d"`, i)},
		}, func(resp *ResponseObject, err error) {
			if err != nil {
				t.Errorf("execute %d failed: %v", i, err)
			} else {
				results[i].Store(resp.Resp)
			}
			done.Add(1)
		})
		if err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}

	waitUntil(t, func() bool { return done.Load() == total })
	for i := 0; i < total; i++ {
		want := fmt.Sprintf(`"Hello%d Some string"`, i)
		if got, _ := results[i].Load().(string); got != want {
			t.Errorf("result %d = %q, want %q", i, got, want)
		}
	}
}

func TestMultipleVersions(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	for v := uint64(1); v <= 2; v++ {
		mustBroadcast(t, svc, &CodeObject{
			ID:      "versioned",
			Version: v,
			JS:      fmt.Sprintf(`function Handler() { return "Hello Version %d!"; }`, v),
		})
	}

	for v := uint64(1); v <= 2; v++ {
		var result atomic.Value
		var done atomic.Bool
		err := svc.Dispatch(&InvocationRequest{
			Version:     v,
			HandlerName: "Handler",
		}, func(resp *ResponseObject, err error) {
			if err != nil {
				t.Errorf("execute of version %d failed: %v", v, err)
			} else {
				result.Store(resp.Resp)
			}
			done.Store(true)
		})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		waitUntil(t, done.Load)

		want := fmt.Sprintf(`"Hello Version %d!"`, v)
		if got, _ := result.Load().(string); got != want {
			t.Errorf("version %d result = %q, want %q", v, got, want)
		}
	}
}

func TestFunctionBindingSandboxed(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 2,
		RequirePreload:  true,
		FunctionBindings: []FunctionBinding{
			{
				Name: "cool_function",
				Function: func(io *BindingIO) {
					io.SetOutputString(*io.InputString + " String from Go")
				},
			},
		},
	})

	mustBroadcast(t, svc, &CodeObject{
		ID:      "binding",
		Version: 1,
		JS:      `function Handler(input) { return cool_function(input); }`,
	})

	var result atomic.Value
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		Version:     1,
		HandlerName: "Handler",
		Input:       []string{`"Foobar"`},
	}, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("execute failed: %v", err)
		} else {
			result.Store(resp.Resp)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	waitUntil(t, done.Load)
	want := `"Foobar String from Go"`
	if got, _ := result.Load().(string); got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
}

func TestFailingBindingDoesNotPoisonWorker(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
		FunctionBindings: []FunctionBinding{
			{
				Name: "failing_function",
				Function: func(io *BindingIO) {
					io.AddError("deliberate failure")
				},
			},
		},
	})

	mustBroadcast(t, svc, &CodeObject{
		ID: "calls-failing", Version: 1,
		JS: `function Handler(input) { return failing_function(input); }`,
	})
	mustBroadcast(t, svc, &CodeObject{
		ID: "unrelated", Version: 2,
		JS: `function Handler() { return "still fine"; }`,
	})

	var failed atomic.Bool
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		Version:     1,
		HandlerName: "Handler",
		Input:       []string{`"x"`},
	}, func(resp *ResponseObject, err error) {
		failed.Store(err != nil)
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitUntil(t, done.Load)
	if !failed.Load() {
		t.Error("execute through the failing binding should fail")
	}

	var result atomic.Value
	done.Store(false)
	err = svc.Dispatch(&InvocationRequest{
		Version:     2,
		HandlerName: "Handler",
	}, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("unrelated execute failed: %v", err)
		} else {
			result.Store(resp.Resp)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitUntil(t, done.Load)
	if got, _ := result.Load().(string); got != `"still fine"` {
		t.Errorf("unrelated result = %q", got)
	}
}

func TestDispatchBatch(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 2,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	mustBroadcast(t, svc, &CodeObject{
		ID: "batch", Version: 1,
		JS: `function Handler(input) { return "Hello world! " + JSON.stringify(input); }`,
	})

	reqs := make([]InvocationRequest, 5)
	for i := range reqs {
		reqs[i] = InvocationRequest{
			Version:     1,
			HandlerName: "Handler",
			Input:       []string{`"Foobar"`},
		}
	}

	var got atomic.Value
	err := svc.DispatchBatch(reqs, func(results []Result) { got.Store(results) })
	if err != nil {
		t.Fatalf("DispatchBatch failed: %v", err)
	}

	waitUntil(t, func() bool { return got.Load() != nil })
	results := got.Load().([]Result)
	if len(results) != len(reqs) {
		t.Fatalf("batch returned %d results", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("item %d failed: %v", i, r.Err)
			continue
		}
		if r.Response.Resp != `"Hello world! \"Foobar\""` {
			t.Errorf("item %d = %q", i, r.Response.Resp)
		}
	}
}

func TestWasmExecution(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	mustBroadcast(t, svc, &CodeObject{
		ID:             "wasm-add",
		Version:        1,
		WasmBytes:      testwasm.AddModule,
		WasmReturnType: WasmTypeUint32,
	})

	var result atomic.Value
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		Version:     1,
		HandlerName: "add",
		Input:       []string{"1", "2"},
	}, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("wasm execute failed: %v", err)
		} else {
			result.Store(resp.Resp)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	waitUntil(t, done.Load)
	if got, _ := result.Load().(string); got != "3" {
		t.Errorf("add(1, 2) = %q, want %q", got, "3")
	}
}

func TestTimeoutLeavesWorkerUsable(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	mustBroadcast(t, svc, &CodeObject{
		ID: "spin", Version: 1,
		JS: `function Spin() { while (true) {} } function Quick() { return "ok"; }`,
	})

	var timedOut atomic.Bool
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		Version:     1,
		HandlerName: "Spin",
		Tags:        map[string]string{"TimeoutMs": "100"},
	}, func(resp *ResponseObject, err error) {
		timedOut.Store(types.CodeOf(err) == types.StatusExecutionTimeout)
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitUntil(t, done.Load)
	if !timedOut.Load() {
		t.Error("expected an execution timeout")
	}

	var result atomic.Value
	done.Store(false)
	err = svc.Dispatch(&InvocationRequest{
		Version:     1,
		HandlerName: "Quick",
	}, func(resp *ResponseObject, err error) {
		if err != nil {
			t.Errorf("execute after timeout failed: %v", err)
		} else {
			result.Store(resp.Resp)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitUntil(t, done.Load)
	if got, _ := result.Load().(string); got != `"ok"` {
		t.Errorf("result after timeout = %q", got)
	}
}

func TestExecuteWithoutLoadFails(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  true,
	})

	var code atomic.Int64
	var done atomic.Bool
	err := svc.Dispatch(&InvocationRequest{
		Version:     99,
		HandlerName: "Handler",
	}, func(resp *ResponseObject, err error) {
		code.Store(int64(types.CodeOf(err)))
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitUntil(t, done.Load)
	if types.StatusCode(code.Load()) != types.StatusMissingContext {
		t.Errorf("expected missing context, got status %d", code.Load())
	}
}

func TestDispatchBeforeRun(t *testing.T) {
	svc := New(Config{NumberOfWorkers: 1, SandboxMode: SandboxInProcess})
	err := svc.Dispatch(&InvocationRequest{Version: 1, HandlerName: "H"}, func(*ResponseObject, error) {})
	if types.CodeOf(err) != types.StatusSandboxNotInitialized {
		t.Errorf("expected not-initialized, got %v", err)
	}
}

func TestRequestIDStamping(t *testing.T) {
	svc := startService(t, Config{
		NumberOfWorkers: 1,
		SandboxMode:     SandboxInProcess,
		RequirePreload:  false,
	})

	var gotID atomic.Value
	var done atomic.Bool
	req := &InvocationRequest{
		Version:     1,
		HandlerName: "Handler",
	}
	err := svc.Dispatch(req, func(resp *ResponseObject, err error) {
		if resp != nil {
			gotID.Store(resp.ID)
		}
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if req.ID == "" {
		t.Error("empty request id should be filled in")
	}
	if req.Tags[types.TagRequestID] != req.ID {
		t.Errorf("request id tag = %q, want %q", req.Tags[types.TagRequestID], req.ID)
	}
	waitUntil(t, done.Load)
}
