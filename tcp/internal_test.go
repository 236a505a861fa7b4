package tcp

import (
	"fmt"
	"testing"
)

// Here we define internal testing helpers that may be used in any *_test.go file
// but are not exported.

type StepAction uint8

const (
	_ StepAction = iota
	StepRecv     // Segment arrives from the remote.
	StepSend     // Segment is sent by the local end.
	StepClose    // User calls Close.
	StepAbort    // User calls Abort.
)

// Step is a single event in the life of a ControlBlock with its expected outcome.
type Step struct {
	Action StepAction
	Seg    Segment
	// WantState is the state after the step is processed.
	WantState State
	// WantPending is the segment PendingSegment(0) should return after the step. Nil if none expected.
	WantPending *Segment
	// WantDrop expects the received segment to be rejected without changing state.
	WantDrop bool
}

// HelperSteps processes steps in order, failing the test on the first unexpected outcome.
func (tcb *ControlBlock) HelperSteps(t *testing.T, steps []Step) {
	t.Helper()
	var i int
	var st Step
	defer func() {
		if t.Failed() {
			t.Errorf("step[%d] failed: %s", i, StringExchange(st.Seg, tcb._state, StateClosed, st.Action == StepRecv))
		}
	}()
	const pfx = "step"
	t.Log(tcb._state, "Steps start")
	for i, st = range steps {
		switch st.Action {
		default:
			panic("unknown action")
		case StepClose:
			if err := tcb.Close(); err != nil {
				t.Fatalf(pfx+"[%d] Close: %s", i, err)
			}
		case StepAbort:
			tcb.Abort()
		case StepSend:
			prevInflight := tcb.snd.inFlight()
			err := tcb.Send(st.Seg)
			gotSent := tcb.snd.inFlight() - prevInflight
			if err != nil {
				t.Fatalf(pfx+"[%d] snd: %s\nseg=%+v\nrcv=%+v\nsnd=%+v", i, err, st.Seg, tcb.rcv, tcb.snd)
			} else if gotSent != st.Seg.LEN() {
				t.Fatalf(pfx+"[%d] snd: expected %d data sent, calculated inflight %d", i, st.Seg.LEN(), gotSent)
			}
		case StepRecv:
			_, err := tcb.Recv(st.Seg)
			msg := fmt.Sprintf(pfx+"[%d] rcv: %v\nseg=%+v\nrcv=%+v\nsnd=%+v", i, err, st.Seg, tcb.rcv, tcb.snd)
			switch {
			case st.WantDrop && !IsDroppedErr(err):
				t.Fatal("expected drop; " + msg)
			case err != nil && IsDroppedErr(err):
				t.Log(msg)
			case err != nil && err != ErrConnReset:
				t.Fatal(msg)
			}
		}

		t.Logf(pfx+"[%d] state=%s (want=%s)", i, tcb._state, st.WantState)
		if state := tcb.State(); state != st.WantState {
			t.Errorf(pfx+"[%d] unexpected state:\n got=%s\nwant=%s", i, state, st.WantState)
		}
		pending, ok := tcb.PendingSegment(0)
		if !ok && st.WantPending != nil {
			t.Fatalf(pfx+"[%d] pending:got none, want=%+v", i, *st.WantPending)
		} else if st.WantPending != nil && pending != *st.WantPending {
			t.Fatalf(pfx+"[%d] pending:\n got=%+v\nwant=%+v", i, pending, *st.WantPending)
		} else if ok && st.WantPending == nil {
			t.Fatalf(pfx+"[%d] pending:\n got=%+v\nwant=none", i, pending)
		}
	}
}

// HelperInitState places the ControlBlock in state with the given local sequence space.
func (tcb *ControlBlock) HelperInitState(state State, localISS, localNXT Value, localWindow Size) {
	tcb._state = state
	tcb.snd = sendSpace{
		ISS: localISS,
		UNA: localISS,
		NXT: localNXT,
		WND: 1, // 1 byte window, so we can test the SEQ field.
		// UP, WL1, WL2 defaults to zero values.
	}
	tcb.rcv = recvSpace{
		WND: localWindow,
	}
}

// HelperInitRcv initializes the remote's sequence space.
func (tcb *ControlBlock) HelperInitRcv(irs, nxt Value, remoteWindow Size) {
	tcb.rcv.IRS = irs
	tcb.rcv.NXT = nxt
	tcb.snd.WND = remoteWindow
	tcb.snd.WL1 = irs
	tcb.snd.WL2 = tcb.snd.UNA
}

func (tcb *ControlBlock) RelativeSendSpace() sendSpace {
	snd := tcb.snd
	snd.NXT -= snd.ISS
	snd.UNA -= snd.ISS
	snd.ISS = 0
	return snd
}

func (tcb *ControlBlock) RelativeRecvSpace() recvSpace {
	rcv := tcb.rcv
	rcv.NXT -= rcv.IRS
	rcv.IRS = 0
	return rcv
}

func (tcb *ControlBlock) HelperPrintSegment(t *testing.T, isReceive bool, seg Segment) {
	const fmtmsg = "\nSeg=%+v\nRcvSpace=%s\nSndSpace=%s"
	rcv := tcb.RelativeRecvSpace()
	snd := tcb.RelativeSendSpace()
	t.Helper()
	if isReceive {
		t.Logf("RECV:"+fmtmsg, seg.RelativeGoString(tcb.rcv.IRS, tcb.snd.ISS), rcv.RelativeGoString(), snd.RelativeGoString())
	} else {
		t.Logf("SEND:"+fmtmsg, seg.RelativeGoString(tcb.snd.ISS, tcb.rcv.IRS), rcv.RelativeGoString(), snd.RelativeGoString())
	}
}

func (rcv recvSpace) RelativeGoString() string {
	return fmt.Sprintf("{NXT:%d} ", rcv.NXT-rcv.IRS)
}

func (snd sendSpace) RelativeGoString() string {
	nxt := snd.NXT - snd.ISS
	una := snd.UNA - snd.ISS
	unaLen := Sizeof(una, nxt)
	if unaLen != 0 {
		return fmt.Sprintf("{NXT:%d UNA:%d} (%d unacked)", nxt, una, unaLen)
	}
	return fmt.Sprintf("{NXT:%d UNA:%d}", nxt, una)
}

func (seg Segment) RelativeGoString(iseq, iack Value) string {
	seglen := seg.LEN()
	if seglen != seg.DATALEN {
		// If SYN/FIN is set print out the length of the segment.
		return fmt.Sprintf("{SEQ:%d ACK:%d DATALEN:%d Flags:%s} (LEN:%d)", seg.SEQ-iseq, seg.ACK-iack, seg.DATALEN, seg.Flags, seglen)
	}
	return fmt.Sprintf("{SEQ:%d ACK:%d DATALEN:%d Flags:%s} ", seg.SEQ-iseq, seg.ACK-iack, seg.DATALEN, seg.Flags)
}
