package stack

import (
	"time"

	"github.com/google/btree"
)

type timerKind uint8

const (
	timerRetransmit timerKind = iota
	timerPersist
	timerTimeWait
	numTimers
)

func (k timerKind) String() string {
	switch k {
	case timerRetransmit:
		return "retransmit"
	case timerPersist:
		return "persist"
	case timerTimeWait:
		return "time-wait"
	}
	return "unknown"
}

type timer struct {
	when time.Time
	id   uint64
	conn *Conn
	kind timerKind
}

func timerLess(a, b timer) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.id < b.id
}

// timerQueue orders connection timers by deadline. Each connection holds at
// most one armed timer per kind, kept in Conn.timers so it can be cancelled.
type timerQueue struct {
	tree   *btree.BTreeG[timer]
	nextID uint64
}

func newTimerQueue() timerQueue {
	return timerQueue{tree: btree.NewG(8, timerLess)}
}

// schedule arms c's timer of the given kind to fire at when, replacing a
// previously armed one.
func (tq *timerQueue) schedule(c *Conn, kind timerKind, when time.Time) {
	tq.cancel(c, kind)
	tq.nextID++
	t := timer{when: when, id: tq.nextID, conn: c, kind: kind}
	tq.tree.ReplaceOrInsert(t)
	c.timers[kind] = t
}

func (tq *timerQueue) cancel(c *Conn, kind timerKind) {
	if t := c.timers[kind]; t.id != 0 {
		tq.tree.Delete(t)
		c.timers[kind] = timer{}
	}
}

func (tq *timerQueue) cancelAll(c *Conn) {
	for kind := timerKind(0); kind < numTimers; kind++ {
		tq.cancel(c, kind)
	}
}

func (tq *timerQueue) armed(c *Conn, kind timerKind) bool { return c.timers[kind].id != 0 }

// next returns the earliest deadline.
func (tq *timerQueue) next() (time.Time, bool) {
	t, ok := tq.tree.Min()
	return t.when, ok
}

// pop removes and returns the earliest timer if it is due at now.
func (tq *timerQueue) pop(now time.Time) (timer, bool) {
	t, ok := tq.tree.Min()
	if !ok || t.when.After(now) {
		return timer{}, false
	}
	tq.tree.DeleteMin()
	t.conn.timers[t.kind] = timer{}
	return t, true
}

func (tq *timerQueue) len() int { return tq.tree.Len() }
