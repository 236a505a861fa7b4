package tcp

import "log/slog"

func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	switch {
	case seg.Flags.HasAny(FlagRST):
		return 0, errDropSegment
	case seg.Flags.HasAny(FlagACK):
		// Any acknowledgment is bad if it arrives on a connection still in the LISTEN state.
		tcb.rstPtr = seg.ACK
		return FlagRST, errExpectedSYN
	case !seg.Flags.HasAny(FlagSYN):
		return 0, errExpectedSYN
	}
	// Initialize receive space with remote's initial sequence number.
	// Data carried by the SYN is not admitted; the remote retransmits it once synchronized.
	tcb.rcv.IRS = seg.SEQ
	tcb.rcv.NXT = seg.SEQ + 1
	tcb.snd.WND = seg.WND
	tcb.snd.WL1 = seg.SEQ
	tcb._state = StateSynRcvd
	return synack, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	if !seg.ACK.InRange(tcb.snd.UNA+1, tcb.snd.NXT+1) {
		// <SEQ=SEG.ACK><CTL=RST>
		tcb.rstPtr = seg.ACK
		tcb.logerr("tcb:synrcvd.badack", slog.Uint64("seg.ack", uint64(seg.ACK)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)))
		return FlagRST, errBadSegack
	}
	tcb._state = StateEstablished
	tcb.snd.UNA = seg.ACK
	tcb.snd.WND = seg.WND
	tcb.snd.WL1 = seg.SEQ
	tcb.snd.WL2 = seg.ACK
	tcb.pending &^= FlagSYN
	return 0, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	pending, err = tcb.rcvAck(seg)
	if err != nil {
		return pending, err
	}
	if tcb.finAcked() {
		tcb._state = StateFinWait2
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvClosing(seg Segment) (pending Flags, err error) {
	pending, err = tcb.rcvAck(seg)
	if err != nil {
		return pending, err
	}
	if tcb.finAcked() {
		tcb._state = StateTimeWait
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvLastAck(seg Segment) (pending Flags, err error) {
	pending, err = tcb.rcvAck(seg)
	if err != nil {
		return pending, err
	}
	if tcb.finAcked() {
		tcb.close()
	}
	return pending, nil
}
