// Package workerpool owns a fixed-size collection of worker API
// stubs. It does not balance load; the dispatcher does. Indexes are
// stable for the lifetime of the pool.
package workerpool

import (
	"log"

	"github.com/fenceworks/fence/internal/types"
	"github.com/fenceworks/fence/internal/workapi"
)

// Pool is a fixed set of worker slots addressed by index.
type Pool struct {
	workers []workapi.API
}

// New wraps the given worker APIs.
func New(workers []workapi.API) *Pool {
	return &Pool{workers: workers}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// GetWorker returns the worker at index, or an out-of-range error.
func (p *Pool) GetWorker(index int) (workapi.API, error) {
	if index < 0 || index >= len(p.workers) {
		return nil, types.Statusf(types.StatusInvalidArgument, "worker index %d out of range [0, %d)", index, len(p.workers))
	}
	return p.workers[index], nil
}

// Init initializes every worker. The first failure aborts the sequence.
func (p *Pool) Init() error {
	for i, w := range p.workers {
		if err := w.Init(); err != nil {
			log.Printf("worker %d failed to init: %v", i, err)
			return err
		}
	}
	return nil
}

// Run starts every worker. The first failure aborts the sequence.
func (p *Pool) Run() error {
	for i, w := range p.workers {
		if err := w.Run(); err != nil {
			log.Printf("worker %d failed to run: %v", i, err)
			return err
		}
	}
	return nil
}

// Stop stops every worker. The first failure aborts the sequence.
func (p *Pool) Stop() error {
	for i, w := range p.workers {
		if err := w.Stop(); err != nil {
			log.Printf("worker %d failed to stop: %v", i, err)
			return err
		}
	}
	return nil
}
