package stack

import (
	"github.com/google/btree"
	"github.com/soypat/tuntcp/tcp"
)

type oooSegment struct {
	seg  tcp.Segment
	data []byte
}

// reassembly holds acceptable segments that arrived ahead of RCV.NXT ordered
// by sequence number. All held segments lie within the receive window so
// modular ordering is consistent.
type reassembly struct {
	tree  *btree.BTreeG[oooSegment]
	size  int
	limit int
}

func newReassembly(limit int) reassembly {
	return reassembly{
		tree: btree.NewG(4, func(a, b oooSegment) bool {
			return a.seg.SEQ.LessThan(b.seg.SEQ)
		}),
		limit: limit,
	}
}

// insert copies and queues an out of order segment. It returns false if the
// segment was dropped for exceeding the size limit. A segment starting at the
// same sequence number as a queued one replaces it if it is longer.
func (r *reassembly) insert(seg tcp.Segment, data []byte) bool {
	item := oooSegment{seg: seg}
	held := 0
	if old, ok := r.tree.Get(item); ok {
		if old.seg.LEN() >= seg.LEN() {
			return true
		}
		held = len(old.data)
	}
	if r.size-held+len(data) > r.limit {
		return false
	}
	item.data = append([]byte(nil), data...)
	r.tree.ReplaceOrInsert(item)
	r.size += len(data) - held
	return true
}

// next removes and returns the first queued segment that starts at or before
// rcvNxt. Segments wholly before rcvNxt are discarded.
func (r *reassembly) next(rcvNxt tcp.Value) (oooSegment, bool) {
	for {
		first, ok := r.tree.Min()
		if !ok || rcvNxt.LessThan(first.seg.SEQ) {
			return oooSegment{}, false
		}
		r.tree.DeleteMin()
		r.size -= len(first.data)
		end := tcp.Add(first.seg.SEQ, first.seg.LEN())
		if rcvNxt.LessThan(end) {
			return first, true
		}
	}
}

func (r *reassembly) len() int { return r.tree.Len() }

func (r *reassembly) reset() {
	r.tree.Clear(false)
	r.size = 0
}
