package jsengine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Interruptible is the execution a watchdog can abort. goja's Runtime
// satisfies it directly; the WASM path adapts a context cancel.
type Interruptible interface {
	Interrupt(v interface{})
}

type armReq struct {
	target Interruptible
	d      time.Duration
	seq    uint64
}

// Watchdog is the per-engine timer goroutine that terminates a runaway
// execution after its deadline. It is armed before every execution and
// disarmed after; termination is cooperative, interrupting the target
// at its next safepoint.
type Watchdog struct {
	arm    chan armReq
	disarm chan uint64
	quit   chan struct{}
	done   chan struct{}

	fired    atomic.Bool
	stopOnce sync.Once

	// seq is only touched by the owning engine, which runs executions
	// one at a time.
	seq uint64
}

// NewWatchdog starts the timer goroutine.
func NewWatchdog() *Watchdog {
	w := &Watchdog{
		arm:    make(chan armReq),
		disarm: make(chan uint64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Watchdog) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.arm:
			timer := time.NewTimer(req.d)
			armed := true
			for armed {
				select {
				case <-timer.C:
					w.fired.Store(true)
					req.target.Interrupt("execution timeout")
					armed = false
				case seq := <-w.disarm:
					if seq == req.seq {
						timer.Stop()
						armed = false
					}
				case <-w.quit:
					timer.Stop()
					return
				}
			}
		case <-w.disarm:
			// Disarm after the deadline already fired; nothing armed.
		}
	}
}

// StartTimer arms the deadline for one execution of target.
func (w *Watchdog) StartTimer(target Interruptible, d time.Duration) {
	w.seq++
	w.fired.Store(false)
	select {
	case w.arm <- armReq{target: target, d: d, seq: w.seq}:
	case <-w.quit:
	}
}

// EndTimer disarms the current deadline. Safe to call after the
// deadline fired.
func (w *Watchdog) EndTimer() {
	select {
	case w.disarm <- w.seq:
	case <-w.quit:
	}
}

// Fired reports whether the last armed deadline elapsed and the target
// was interrupted.
func (w *Watchdog) Fired() bool { return w.fired.Load() }

// Stop terminates the timer goroutine. Must be called before the
// engine it guards is disposed. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}
