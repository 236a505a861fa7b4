package tcp

import "time"

// Value represents the value of a sequence number. Sequence numbers live in a
// modular 32-bit space: every comparison between two Values must go through the
// methods in this file which compare by signed distance and are therefore valid
// across wraparound as long as both operands are less than 2**31 apart.
type Value uint32

// Size represents the size (length) of a sequence number window or an amount of
// octets in the sequence space.
type Size uint32

// LessThan checks if v is before w (modulo 32) i.e., v < w.
// For example LessThan(0xFFFFFFFF, 1) is true.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v==w or v is before w (modulo 32) i.e., v <= w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the range [a,b) (modulo 32), i.e., a <= v < b.
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at 'first' and spans 'size'
// octets (modulo 32), i.e., first <= v < first+size.
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, Add(first, size))
}

// Add returns v+s as a Value with modular wraparound.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// Sizeof returns the number of octets from v to w. w must be after (or equal to) v.
func Sizeof(v, w Value) Size {
	return Size(w - v)
}

// UpdateForward updates v such that it becomes v+s.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Overlap reports whether the sequence ranges [a, a+asize) and [b, b+bsize)
// share at least one sequence number. Empty ranges never overlap.
func Overlap(a Value, asize Size, b Value, bsize Size) bool {
	if asize == 0 || bsize == 0 {
		return false
	}
	return a.InWindow(b, bsize) || b.InWindow(a, asize)
}

// maxValue returns whichever of v and w is later in the sequence space.
func maxValue(v, w Value) Value {
	if v.LessThan(w) {
		return w
	}
	return v
}

// clockISN returns the RFC 6528 timer component M of an initial sequence
// number which increments once every 4 microseconds.
func clockISN(t time.Time) Value {
	return Value(t.UnixMicro() / 4)
}
