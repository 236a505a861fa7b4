package tcp

// Acceptable implements the segment acceptability test of RFC 9293 section
// 3.10.7.4 for a receive sequence space starting at rcvNxt and spanning rcvWnd
// octets. segLen is the segment length including SYN and FIN (see [Segment.LEN]).
//
//	Segment  Receive  Test
//	Length   Window
//	-------  -------  -------------------------------------------
//	   0       0     SEG.SEQ = RCV.NXT
//	   0      >0     RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	  >0       0     not acceptable
//	  >0      >0     [SEG.SEQ, SEG.SEQ+SEG.LEN) intersects [RCV.NXT, RCV.NXT+RCV.WND)
func Acceptable(rcvNxt Value, rcvWnd Size, segSeq Value, segLen Size) bool {
	switch {
	case rcvWnd == 0:
		return segLen == 0 && segSeq == rcvNxt
	case segLen == 0:
		return segSeq.InWindow(rcvNxt, rcvWnd)
	}
	return Overlap(segSeq, segLen, rcvNxt, rcvWnd)
}

// acceptable runs the acceptability test against the receive space.
func (rcv *recvSpace) acceptable(seg Segment) bool {
	return Acceptable(rcv.NXT, rcv.WND, seg.SEQ, seg.LEN())
}
