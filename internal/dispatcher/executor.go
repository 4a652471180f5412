package dispatcher

import (
	"sync"

	"github.com/fenceworks/fence/internal/types"
)

// executor is the dispatcher's worker-goroutine pool: one goroutine
// per sandbox worker draining a bounded queue. Callbacks run on these
// goroutines.
type executor struct {
	mu     sync.RWMutex
	closed bool
	queue  chan func()
	wg     sync.WaitGroup
}

func newExecutor(workers, queueCap int) *executor {
	e := &executor{queue: make(chan func(), queueCap)}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for task := range e.queue {
				task()
			}
		}()
	}
	return e
}

// schedule enqueues a task without blocking. A full queue rejects the
// task with a capacity error.
func (e *executor) schedule(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return types.NewStatus(types.StatusDispatchDisallowed, "executor is stopped")
	}
	select {
	case e.queue <- task:
		return nil
	default:
		return types.NewStatus(types.StatusCapacityExhausted, "work queue is full")
	}
}

// stop drains the queue and waits for in-flight tasks. Idempotent.
func (e *executor) stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}
