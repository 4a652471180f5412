package jsengine

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	interrupted atomic.Int32
}

func (f *fakeTarget) Interrupt(v interface{}) { f.interrupted.Add(1) }

func TestWatchdogFires(t *testing.T) {
	w := NewWatchdog()
	defer w.Stop()

	target := &fakeTarget{}
	w.StartTimer(target, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for target.interrupted.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never fired")
		}
		time.Sleep(time.Millisecond)
	}
	if !w.Fired() {
		t.Error("Fired should report the elapsed deadline")
	}
	w.EndTimer()
}

func TestWatchdogDisarm(t *testing.T) {
	w := NewWatchdog()
	defer w.Stop()

	target := &fakeTarget{}
	w.StartTimer(target, 200*time.Millisecond)
	w.EndTimer()

	time.Sleep(300 * time.Millisecond)
	if target.interrupted.Load() != 0 {
		t.Error("disarmed watchdog must not interrupt")
	}
	if w.Fired() {
		t.Error("Fired should be false after a disarm")
	}
}

func TestWatchdogRearmCycles(t *testing.T) {
	w := NewWatchdog()
	defer w.Stop()

	target := &fakeTarget{}
	for i := 0; i < 20; i++ {
		w.StartTimer(target, time.Second)
		w.EndTimer()
	}
	if target.interrupted.Load() != 0 {
		t.Errorf("%d spurious interrupts", target.interrupted.Load())
	}

	// A cycle that does elapse still works afterwards.
	w.StartTimer(target, 5*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for target.interrupted.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never fired after rearm cycles")
		}
		time.Sleep(time.Millisecond)
	}
	w.EndTimer()
}

func TestWatchdogStopIsIdempotent(t *testing.T) {
	w := NewWatchdog()
	w.Stop()
	w.Stop()

	// Calls after stop must not hang.
	done := make(chan struct{})
	go func() {
		w.StartTimer(&fakeTarget{}, time.Millisecond)
		w.EndTimer()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartTimer blocked after Stop")
	}
}
