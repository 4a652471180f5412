// Package dispatcher is the thread-safe front door of the runtime: it
// admits requests under an in-flight cap, round-robins them across the
// worker pool, and broadcasts code loads to every worker behind an
// exclusion barrier.
package dispatcher

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/metrics"
	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/workerpool"
)

// Dispatcher fans requests out over a fixed worker pool.
type Dispatcher struct {
	pool     *workerpool.Pool
	exec     *executor
	recorder metrics.Recorder

	workerIndex   atomic.Uint64
	pending       atomic.Int64
	maxPending    int64
	allowDispatch atomic.Bool
}

// New builds a dispatcher over pool. maxPending caps requests admitted
// but not yet completed; queueCap bounds the executor's queue.
func New(pool *workerpool.Pool, maxPending, queueCap int, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	d := &Dispatcher{
		pool:       pool,
		exec:       newExecutor(pool.Size(), queueCap),
		recorder:   recorder,
		maxPending: int64(maxPending),
	}
	d.allowDispatch.Store(true)
	return d
}

// Stop refuses further dispatches and drains the executor. In-flight
// callbacks still fire.
func (d *Dispatcher) Stop() {
	d.allowDispatch.Store(false)
	d.exec.stop()
}

// Pending reports the current in-flight count.
func (d *Dispatcher) Pending() int64 { return d.pending.Load() }

// Dispatch enqueues one invocation. The callback fires exactly once if
// and only if the request was admitted.
func (d *Dispatcher) Dispatch(req *types.InvocationRequest, cb types.Callback) error {
	if !d.allowDispatch.Load() {
		return types.NewStatus(types.StatusDispatchDisallowed, "a code load is in progress")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return d.internalDispatch(req.ID, invocationRequest(req), cb)
}

// DispatchShared is Dispatch for the shared-input request variant.
func (d *Dispatcher) DispatchShared(req *types.InvocationRequestShared, cb types.Callback) error {
	if !d.allowDispatch.Load() {
		return types.NewStatus(types.StatusDispatchDisallowed, "a code load is in progress")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	return d.internalDispatch(req.ID, sharedInvocationRequest(req), cb)
}

// DispatchBatch enqueues every request, retrying transient capacity
// rejections per item, and fires the batch callback exactly once when
// all per-item callbacks have fired. Results keep the input order.
func (d *Dispatcher) DispatchBatch(reqs []types.InvocationRequest, batchCb types.BatchCallback) error {
	if !d.allowDispatch.Load() {
		return types.NewStatus(types.StatusDispatchDisallowed, "a code load is in progress")
	}
	if len(reqs) == 0 {
		return types.NewStatus(types.StatusInvalidArgument, "empty batch")
	}

	total := int64(len(reqs))
	results := make([]types.Result, len(reqs))
	var finished atomic.Int64

	for i := range reqs {
		i := i
		req := reqs[i]
		itemCb := func(resp *types.ResponseObject, err error) {
			results[i] = types.Result{Response: resp, Err: err}
			if finished.Add(1) == total {
				batchCb(results)
			}
		}

		for {
			err := d.Dispatch(&req, itemCb)
			if err == nil {
				break
			}
			if errors.Is(err, types.NewStatus(types.StatusCapacityExhausted, "")) {
				runtime.Gosched()
				continue
			}
			// Non-transient failure: the slot gets the error so the
			// batch callback still fires exactly once.
			itemCb(nil, err)
			break
		}
	}
	return nil
}

// Broadcast loads a code object on every worker. No dispatch may begin
// while the broadcast is in flight, and the broadcast waits until all
// in-flight requests drain. The callback fires once: with the first
// failure if any worker failed, otherwise with the first success.
func (d *Dispatcher) Broadcast(code *types.CodeObject, cb types.Callback) error {
	if err := code.Validate(); err != nil {
		return err
	}
	if !d.allowDispatch.CompareAndSwap(true, false) {
		return types.NewStatus(types.StatusDispatchDisallowed, "another load is in progress")
	}

	// Wait until nothing is running so no execute observes a
	// partially updated worker set.
	for d.pending.Load() > 0 {
		runtime.Gosched()
	}

	// Reset round-robin so each worker is hit exactly once.
	d.workerIndex.Store(0)

	workerCount := int64(d.pool.Size())
	results := make([]types.Result, workerCount)
	var finished atomic.Int64
	released := make(chan struct{})

	for i := int64(0); i < workerCount; i++ {
		i := i
		workerCb := func(resp *types.ResponseObject, err error) {
			results[i] = types.Result{Response: resp, Err: err}
			if finished.Add(1) == workerCount {
				<-released
				for _, r := range results {
					if r.Err != nil {
						cb(nil, r.Err)
						return
					}
				}
				cb(results[0].Response, nil)
			}
		}

		if err := d.internalDispatch(code.ID, codeObjectRequest(code), workerCb); err != nil {
			d.allowDispatch.Store(true)
			close(released)
			return err
		}
	}

	// Dispatch reopens before the broadcast callback fires, so a
	// late dispatch from within the callback is admitted.
	d.allowDispatch.Store(true)
	close(released)
	return nil
}

// internalDispatch admits the request against the cap, picks a worker
// round-robin, and schedules the work item.
func (d *Dispatcher) internalDispatch(id string, run *ipc.RunCodeRequest, cb types.Callback) error {
	if d.pending.Add(1) > d.maxPending {
		d.pending.Add(-1)
		return types.NewStatus(types.StatusCapacityExhausted, "too many pending requests")
	}

	index := int(d.workerIndex.Add(1)-1) % d.pool.Size()

	task := func() {
		defer d.pending.Add(-1)

		worker, err := d.pool.GetWorker(index)
		if err != nil {
			cb(nil, err)
			return
		}

		resp, err := worker.RunCode(run)
		if err != nil {
			cb(nil, err)
			return
		}

		for name, value := range resp.Metrics {
			d.recorder.Record(name, value)
		}
		cb(&types.ResponseObject{ID: id, Resp: resp.Response}, nil)
	}

	if err := d.exec.schedule(task); err != nil {
		d.pending.Add(-1)
		return err
	}
	return nil
}
