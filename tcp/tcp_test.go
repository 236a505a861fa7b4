package tcp_test

import (
	"testing"

	"github.com/soypat/tuntcp/tcp"
)

const (
	FINACK = tcp.FlagFIN | tcp.FlagACK
	PSHACK = tcp.FlagPSH | tcp.FlagACK
)

const (
	issLocal, issRemote = 100, 300
	windowLocal         = 1000
	windowRemote        = 1000
)

func established() *tcp.ControlBlock {
	var tcb tcp.ControlBlock
	tcb.HelperInitState(tcp.StateEstablished, issLocal, issLocal, windowLocal)
	tcb.HelperInitRcv(issRemote, issRemote, windowRemote)
	return &tcb
}

// Remote closes first, local end answers and closes after (RFC 9293 figure 12, passive side).
func TestSteps_PassiveClose(t *testing.T) {
	established().HelperSteps(t, []tcp.Step{
		0: {
			Action:      tcp.StepRecv,
			Seg:         tcp.Segment{SEQ: issRemote, ACK: issLocal, Flags: FINACK, WND: windowRemote},
			WantState:   tcp.StateCloseWait,
			WantPending: &tcp.Segment{SEQ: issLocal, ACK: issRemote + 1, Flags: tcp.FlagACK, WND: windowLocal},
		},
		1: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal, ACK: issRemote + 1, Flags: tcp.FlagACK, WND: windowLocal},
			WantState: tcp.StateCloseWait,
		},
		2: { // Close in CLOSE-WAIT must queue FIN and ACK together.
			Action:      tcp.StepClose,
			WantState:   tcp.StateCloseWait,
			WantPending: &tcp.Segment{SEQ: issLocal, ACK: issRemote + 1, Flags: FINACK, WND: windowLocal},
		},
		3: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal, ACK: issRemote + 1, Flags: FINACK, WND: windowLocal},
			WantState: tcp.StateLastAck,
		},
		4: {
			Action:    tcp.StepRecv,
			Seg:       tcp.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, Flags: tcp.FlagACK, WND: windowRemote},
			WantState: tcp.StateClosed,
		},
	})
}

// Both ends close at the same time and FINs cross (RFC 9293 figure 13).
func TestSteps_SimultaneousClose(t *testing.T) {
	established().HelperSteps(t, []tcp.Step{
		0: {
			Action:      tcp.StepClose,
			WantState:   tcp.StateEstablished,
			WantPending: &tcp.Segment{SEQ: issLocal, ACK: issRemote, Flags: FINACK, WND: windowLocal},
		},
		1: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal, ACK: issRemote, Flags: FINACK, WND: windowLocal},
			WantState: tcp.StateFinWait1,
		},
		2: { // Remote's FIN was sent before it received ours.
			Action:      tcp.StepRecv,
			Seg:         tcp.Segment{SEQ: issRemote, ACK: issLocal, Flags: FINACK, WND: windowRemote},
			WantState:   tcp.StateClosing,
			WantPending: &tcp.Segment{SEQ: issLocal + 1, ACK: issRemote + 1, Flags: tcp.FlagACK, WND: windowLocal},
		},
		3: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal + 1, ACK: issRemote + 1, Flags: tcp.FlagACK, WND: windowLocal},
			WantState: tcp.StateClosing,
		},
		4: {
			Action:    tcp.StepRecv,
			Seg:       tcp.Segment{SEQ: issRemote + 1, ACK: issLocal + 1, Flags: tcp.FlagACK, WND: windowRemote},
			WantState: tcp.StateTimeWait,
		},
	})
}

// Data is received and acknowledged, then data is sent and the local end closes.
func TestSteps_DataThenActiveClose(t *testing.T) {
	const datalen = 10
	established().HelperSteps(t, []tcp.Step{
		0: {
			Action:      tcp.StepRecv,
			Seg:         tcp.Segment{SEQ: issRemote, ACK: issLocal, DATALEN: datalen, Flags: PSHACK, WND: windowRemote},
			WantState:   tcp.StateEstablished,
			WantPending: &tcp.Segment{SEQ: issLocal, ACK: issRemote + datalen, Flags: tcp.FlagACK, WND: windowLocal - datalen},
		},
		1: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal, ACK: issRemote + datalen, DATALEN: 4, Flags: PSHACK, WND: windowLocal - datalen},
			WantState: tcp.StateEstablished,
		},
		2: { // Old duplicate of the data segment is acknowledged again.
			Action:      tcp.StepRecv,
			Seg:         tcp.Segment{SEQ: issRemote, ACK: issLocal, DATALEN: datalen, Flags: PSHACK, WND: windowRemote},
			WantState:   tcp.StateEstablished,
			WantPending: &tcp.Segment{SEQ: issLocal + 4, ACK: issRemote + datalen, Flags: tcp.FlagACK, WND: windowLocal - datalen},
			WantDrop:    true,
		},
		3: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal + 4, ACK: issRemote + datalen, Flags: tcp.FlagACK, WND: windowLocal - datalen},
			WantState: tcp.StateEstablished,
		},
		4: {
			Action:      tcp.StepClose,
			WantState:   tcp.StateEstablished,
			WantPending: &tcp.Segment{SEQ: issLocal + 4, ACK: issRemote + datalen, Flags: FINACK, WND: windowLocal - datalen},
		},
		5: {
			Action:    tcp.StepSend,
			Seg:       tcp.Segment{SEQ: issLocal + 4, ACK: issRemote + datalen, Flags: FINACK, WND: windowLocal - datalen},
			WantState: tcp.StateFinWait1,
		},
		6: { // Remote acknowledges data and FIN and sends its own FIN at once.
			Action:      tcp.StepRecv,
			Seg:         tcp.Segment{SEQ: issRemote + datalen, ACK: issLocal + 5, Flags: FINACK, WND: windowRemote},
			WantState:   tcp.StateTimeWait,
			WantPending: &tcp.Segment{SEQ: issLocal + 5, ACK: issRemote + datalen + 1, Flags: tcp.FlagACK, WND: windowLocal - datalen},
		},
	})
}

func TestResetEstablished(t *testing.T) {
	var tcb tcp.ControlBlock
	const windowA, windowB = 502, 4096
	const issA, issB = 0x5e722b7d, 0xbe6e4c0f
	tcb.HelperInitState(tcp.StateEstablished, issA, issA, windowA)
	tcb.HelperInitRcv(issB, issB, windowB)

	_, err := tcb.Recv(tcp.Segment{SEQ: issB, ACK: issA, Flags: tcp.FlagRST, WND: windowB})
	if err != tcp.ErrConnReset {
		t.Fatalf("expected connection reset, got %v", err)
	}
	if tcb.State() != tcp.StateClosed {
		t.Error("expected closed state; got ", tcb.State().String())
	}
	checkNoPending(t, &tcb)
}

func TestAbortSteps(t *testing.T) {
	tcb := established()
	tcb.HelperSteps(t, []tcp.Step{
		0: {
			Action:      tcp.StepAbort,
			WantState:   tcp.StateClosed,
			WantPending: nil,
		},
	})
}

func checkNoPending(t *testing.T, tcb *tcp.ControlBlock) bool {
	t.Helper()
	seg, ok := tcb.PendingSegment(0)
	if ok {
		t.Errorf("unexpected pending segment: %+v", seg)
	}
	return !ok
}
