package stack

import (
	"net/netip"

	"github.com/pkg/errors"
)

var (
	errTableFull   = errors.New("connection table full")
	errTupleExists = errors.New("connection already exists for 4-tuple")
)

// Tuple identifies a connection. Local is the address and port of this end.
type Tuple struct {
	Local, Remote netip.AddrPort
}

func (t Tuple) String() string { return t.Local.String() + "<->" + t.Remote.String() }

// Table maps 4-tuples to live connections. It is owned by a single [Stack]
// which guards it with its lock.
type Table struct {
	conns map[Tuple]*Conn
	max   int
}

// NewTable returns a table holding at most max connections. A max of zero or
// less means the stack's configured MaxConnections.
func NewTable(max int) *Table {
	return &Table{conns: make(map[Tuple]*Conn), max: max}
}

// Len returns the number of connections in the table.
func (t *Table) Len() int { return len(t.conns) }

// Full returns true if no more connections can be inserted.
func (t *Table) Full() bool { return t.max > 0 && len(t.conns) >= t.max }

// Lookup returns the connection identified by tuple or nil.
func (t *Table) Lookup(tuple Tuple) *Conn { return t.conns[tuple] }

// Insert adds a connection. A tuple is never replaced.
func (t *Table) Insert(tuple Tuple, c *Conn) error {
	if _, ok := t.conns[tuple]; ok {
		return errTupleExists
	} else if t.Full() {
		return errTableFull
	}
	t.conns[tuple] = c
	return nil
}

// Remove deletes the connection identified by tuple if present.
func (t *Table) Remove(tuple Tuple) {
	delete(t.conns, tuple)
}

// Range calls fn for every connection until fn returns false.
func (t *Table) Range(fn func(Tuple, *Conn) bool) {
	for tuple, c := range t.conns {
		if !fn(tuple, c) {
			return
		}
	}
}
