package worker

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/fenceworks/fence/internal/bindings"
	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/jsengine"
	"github.com/fenceworks/fence/internal/types"
)

// Serve is the sandbox entrypoint: it reads framed envelopes from r,
// drives the worker, and writes framed replies to w. It returns when
// the host closes the channel or sends a stop.
func Serve(r io.Reader, w io.Writer) error {
	var wk *Worker
	var invoker *bindings.ChannelInvoker

	defer func() {
		if wk != nil {
			wk.Stop(context.Background())
		}
		if invoker != nil {
			invoker.Close()
		}
	}()

	for {
		var env ipc.Envelope
		if err := ipc.ReadFrame(r, &env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch env.Type {
		case ipc.MsgInit:
			var err error
			wk, invoker, err = initWorker(env.Init, wk, invoker)
			if err := ipc.WriteFrame(w, ipc.FailureEnvelope(err)); err != nil {
				return err
			}

		case ipc.MsgRun:
			var err error
			if wk == nil {
				err = types.NewStatus(types.StatusSandboxNotInitialized, "run before init")
			}
			if err := ipc.WriteFrame(w, ipc.FailureEnvelope(err)); err != nil {
				return err
			}

		case ipc.MsgRunCode:
			reply := runCode(wk, env.Run)
			if err := ipc.WriteFrame(w, reply); err != nil {
				return err
			}

		case ipc.MsgStop:
			err := ipc.WriteFrame(w, ipc.FailureEnvelope(nil))
			return err

		default:
			log.Printf("ignoring unknown envelope type %q", env.Type)
			if err := ipc.WriteFrame(w, ipc.FailureEnvelope(
				types.Statusf(types.StatusInvalidArgument, "unknown envelope type %q", env.Type))); err != nil {
				return err
			}
		}
	}
}

// initWorker tears down any previous engine and builds a fresh one from
// the init parameters. Re-init happens when the host restarts the
// protocol without respawning the process.
func initWorker(params *ipc.InitParams, prev *Worker, prevInvoker *bindings.ChannelInvoker) (*Worker, *bindings.ChannelInvoker, error) {
	if params == nil {
		return nil, nil, types.NewStatus(types.StatusSandboxInitFailed, "init envelope missing parameters")
	}
	if params.Engine != "" && params.Engine != "goja" {
		return nil, nil, types.Statusf(types.StatusSandboxInitFailed, "unknown engine %q", params.Engine)
	}

	if prev != nil {
		prev.Stop(context.Background())
	}
	if prevInvoker != nil {
		prevInvoker.Close()
	}

	var visitors []jsengine.Visitor
	var invoker *bindings.ChannelInvoker
	if params.BindingFD >= 0 && len(params.BindingNames) > 0 {
		invoker = bindings.NewChannelInvoker(params.BindingFD)
		visitors = append(visitors, &jsengine.FunctionBindingVisitor{
			Names:   params.BindingNames,
			Invoker: invoker,
		})
	}

	engine, err := jsengine.New(context.Background(), jsengine.Options{
		Visitors:        visitors,
		WasmMemoryPages: params.WasmMemoryPages,
	})
	if err != nil {
		return nil, nil, err
	}

	wk, err := New(engine, params.RequirePreload)
	if err != nil {
		engine.Stop(context.Background())
		return nil, nil, types.Statusf(types.StatusSandboxInitFailed, "building worker: %v", err)
	}
	return wk, invoker, nil
}

func runCode(wk *Worker, req *ipc.RunCodeRequest) ipc.Envelope {
	if wk == nil {
		return ipc.FailureEnvelope(types.NewStatus(types.StatusSandboxNotInitialized, "run_code before init"))
	}
	if req == nil {
		return ipc.FailureEnvelope(types.NewStatus(types.StatusInvalidArgument, "run_code envelope missing request"))
	}

	response, metrics, err := wk.RunCode(req.Code, req.Wasm, req.WasmReturnType, req.Input, req.Metadata)
	if err != nil {
		return ipc.FailureEnvelope(err)
	}
	return ipc.Envelope{
		Type:   ipc.MsgAck,
		Result: &ipc.RunCodeResponse{Response: response, Metrics: metrics},
	}
}
