package stack

import (
	"testing"
	"time"
)

func TestTimerQueueOrder(t *testing.T) {
	tq := newTimerQueue()
	base := time.Unix(0, 0)
	a, b := &Conn{}, &Conn{}
	tq.schedule(a, timerRetransmit, base.Add(3*time.Second))
	tq.schedule(b, timerRetransmit, base.Add(time.Second))
	tq.schedule(a, timerPersist, base.Add(time.Second)) // Same deadline as b, scheduled later.
	if tq.len() != 3 {
		t.Fatalf("expected 3 timers, got %d", tq.len())
	}
	if next, ok := tq.next(); !ok || !next.Equal(base.Add(time.Second)) {
		t.Fatalf("next deadline %v %v", next, ok)
	}
	if _, ok := tq.pop(base); ok {
		t.Fatal("popped timer before deadline")
	}
	want := []struct {
		conn *Conn
		kind timerKind
	}{{b, timerRetransmit}, {a, timerPersist}, {a, timerRetransmit}}
	for i, w := range want {
		got, ok := tq.pop(base.Add(time.Hour))
		if !ok || got.conn != w.conn || got.kind != w.kind {
			t.Fatalf("pop %d: got %v %s, want %s", i, ok, got.kind, w.kind)
		}
		if tq.armed(got.conn, got.kind) {
			t.Errorf("pop %d: timer still armed after firing", i)
		}
	}
	if _, ok := tq.next(); ok {
		t.Error("queue not empty")
	}
}

func TestTimerQueueReschedule(t *testing.T) {
	tq := newTimerQueue()
	base := time.Unix(0, 0)
	c := &Conn{}
	tq.schedule(c, timerRetransmit, base.Add(time.Second))
	tq.schedule(c, timerRetransmit, base.Add(5*time.Second))
	if tq.len() != 1 {
		t.Fatalf("rescheduling left %d timers", tq.len())
	}
	if _, ok := tq.pop(base.Add(2 * time.Second)); ok {
		t.Fatal("replaced deadline fired")
	}
	tq.schedule(c, timerTimeWait, base.Add(time.Second))
	tq.cancel(c, timerTimeWait)
	tq.cancel(c, timerTimeWait) // Cancelling twice is harmless.
	if tq.armed(c, timerTimeWait) || tq.len() != 1 {
		t.Fatal("cancel did not disarm timer")
	}
	tq.schedule(c, timerPersist, base)
	tq.cancelAll(c)
	if tq.len() != 0 {
		t.Fatalf("cancelAll left %d timers", tq.len())
	}
	for kind := timerKind(0); kind < numTimers; kind++ {
		if tq.armed(c, kind) {
			t.Errorf("%s timer armed after cancelAll", kind)
		}
	}
}
