package sync

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoller_StartStop(t *testing.T) {
	p := NewPoller(10 * time.Millisecond)
	var ticks int32

	if !p.Start("scope", func() { atomic.AddInt32(&ticks, 1) }) {
		t.Fatal("expected Start to begin polling")
	}
	if p.Start("scope", func() {}) {
		t.Error("expected second Start for the same key to be a no-op")
	}
	if !p.Active("scope") {
		t.Error("expected scope to be active")
	}

	time.Sleep(55 * time.Millisecond)
	p.Stop("scope")
	stopped := atomic.LoadInt32(&ticks)
	if stopped == 0 {
		t.Error("expected at least one tick")
	}

	time.Sleep(30 * time.Millisecond)
	// A tick racing with Stop may still land once.
	if got := atomic.LoadInt32(&ticks); got-stopped > 1 {
		t.Errorf("expected polling to stop, got %d more ticks", got-stopped)
	}
	if p.Active("scope") {
		t.Error("expected scope to be inactive")
	}
}

func TestPoller_StopAll(t *testing.T) {
	p := NewPoller(time.Hour)
	p.Start("a", func() {})
	p.Start("b", func() {})
	p.StopAll()
	if p.Active("a") || p.Active("b") {
		t.Error("expected all polls stopped")
	}
	p.Stop("a") // stopping twice must not panic
}

func TestListeners(t *testing.T) {
	var l Listeners
	var a, b int32
	unsubA := l.Add(func() { atomic.AddInt32(&a, 1) })
	l.Add(func() { atomic.AddInt32(&b, 1) })

	l.Notify()
	unsubA()
	unsubA()
	l.Notify()

	if a != 1 || b != 2 {
		t.Errorf("expected a=1 b=2, got a=%d b=%d", a, b)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 listener, got %d", l.Len())
	}
}
