package tcp

import (
	"log/slog"
	"math"

	"github.com/soypat/tuntcp/internal"
)

// DefaultMSS is the maximum segment size assumed for a remote that does not
// announce one in its SYN (RFC 9293 section 3.7.1).
const DefaultMSS = 536

// ControlBlock is a Transmission Control Block (TCB) implementation as per
// RFC 9293 section 3.3.1 limited to the sequence space and state machine. It
// does not hold data: buffer management, retransmission and reassembly are left
// to the user of the ControlBlock, which is informed of what octets to accept via
// [Text] and of what to send via [ControlBlock.PendingSegment].
//
// A ControlBlock's internal state is modified by the available "System Calls" as defined in
// RFC9293, such as Close, Open, Send, and Receive.
type ControlBlock struct {
	// # Send Sequence Space
	//
	// 'Send' sequence numbers correspond to local data being sent.
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//	       SND.UNA    SND.NXT    SND.UNA
	//	                            +SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	// 'Receive' sequence numbers correspond to remote data being received.
	//
	//	     1          2          3
	//	----------|----------|----------
	//	       RCV.NXT    RCV.NXT
	//	                 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace
	// When FlagRST is set in pending rstPtr contains the sequence number of the RST segment to make it "believable".
	rstPtr Value
	// pending holds control flags that must be conveyed in the next outgoing segment.
	pending Flags
	_state  State // leading underscore so field not suggested on top of exported State method when developing.
	// mss is the maximum amount of data octets sent per segment.
	mss Size
	// closeRequested is set on a call to Close. FIN is sent after all queued data.
	closeRequested bool
	finSent        bool
	finRcvd        bool
	logger
}

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS Value // initial send sequence number, defined locally on connection start
	UNA Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote. Corresponds to local data.
	NXT Value // send next. This seq and up to UNA+WND-1 are allowed to be sent. Corresponds to local data.
	WND Size  // send window defined by remote. Permitted number of local unacked octets in flight.
	UP  Value // send urgent pointer
	WL1 Value // segment sequence number used for last window update
	WL2 Value // segment acknowledgment number used for last window update
}

// inFlight returns amount of unacked octets sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// usable returns the amount of new octets the remote window admits.
func (snd *sendSpace) usable() Size {
	edge := Add(snd.UNA, snd.WND)
	if !snd.NXT.LessThan(edge) {
		return 0
	}
	return Sizeof(snd.NXT, edge)
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked. this seq and up to NXT+WND-1 are allowed to be sent. Corresponds to remote data.
	WND Size  // receive window defined by local. Permitted number of remote unacked octets in flight.
	UP  Value // receive urgent pointer
}

// State returns the current state of the TCP connection.
func (tcb *ControlBlock) State() State { return tcb._state }

// RecvNext returns the next sequence number expected to be received from remote.
// RecvNext returns 0 before StateSynRcvd.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the receive window size.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// IRS returns the initial receive sequence number chosen by the remote.
func (tcb *ControlBlock) IRS() Value { return tcb.rcv.IRS }

// ISS returns the initial sequence number of the connection that was defined on a call to Open by user.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// SendUnacked returns SND.UNA, the oldest unacknowledged sequence number.
func (tcb *ControlBlock) SendUnacked() Value { return tcb.snd.UNA }

// SendNext returns SND.NXT, the sequence number of the next new octet to send.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// SendWindow returns the window last advertised by the remote.
func (tcb *ControlBlock) SendWindow() Size { return tcb.snd.WND }

// InFlight returns the amount of sequence space sent and not yet acknowledged.
func (tcb *ControlBlock) InFlight() Size { return tcb.snd.inFlight() }

// RecvClosed returns true once the remote's FIN has been received; no more data will arrive.
func (tcb *ControlBlock) RecvClosed() bool { return tcb.finRcvd }

// SetRecvWindow sets the local receive window size. This represents the maximum amount of data
// the remote is permitted to send beyond RCV.NXT. Windows larger than 2**16-1 are clamped
// since window scaling is not negotiated.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) {
	tcb.rcv.WND = min(wnd, math.MaxUint16)
}

// SetMSS sets the maximum amount of data octets sent in a single segment.
func (tcb *ControlBlock) SetMSS(mss Size) {
	tcb.mss = mss
}

// SetLogger sets the logger to be used by the ControlBlock.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) {
	tcb.logger = logger{log: log}
}

// Open implements a passive opening of a connection (wait for incoming packets).
// Upon success [ControlBlock] enters LISTEN state, such as that of a server.
func (tcb *ControlBlock) Open(iss Value, wnd Size) (err error) {
	switch {
	case tcb._state != StateClosed && tcb._state != StateListen:
		err = errNeedClosedTCBToOpen
	case wnd > math.MaxUint16:
		err = errWindowTooLarge
	}
	if err != nil {
		tcb.logerr("tcb:open", slog.String("err", err.Error()))
		return err
	}
	*tcb = ControlBlock{
		_state: StateListen,
		mss:    tcb.mss,
		logger: tcb.logger,
	}
	tcb.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
	tcb.rcv = recvSpace{WND: wnd}
	tcb.trace("tcb:open-server")
	return nil
}

// RequestACK queues an acknowledgment, usually to announce a window update
// after the user drained received data.
func (tcb *ControlBlock) RequestACK() {
	if tcb._state.IsSynchronized() {
		tcb.pending |= FlagACK
	}
}

// HasPending returns true if there is a pending control segment to send.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending != 0 }

// PendingSegment calculates a suitable next segment to send given payloadLen
// octets of unsent data are queued by the user. The returned segment's DATALEN
// is limited by the send window and the maximum segment size. A FIN is included
// once a requested close can be honored, which is when the segment carries all
// remaining data. PendingSegment does not modify the ControlBlock state.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	pending := tcb.pending
	if pending.HasAny(FlagRST) {
		return Segment{SEQ: tcb.rstPtr, Flags: FlagRST}, true
	}
	state := tcb._state
	if state == StateClosed || state == StateListen || state == StateSynSent {
		return Segment{}, false
	}
	if pending.HasAny(FlagSYN) {
		// SYN is retransmitted as is with no data nor FIN.
		seg := Segment{SEQ: tcb.snd.ISS, ACK: tcb.rcv.NXT, WND: tcb.rcv.WND, Flags: synack}
		tcb.traceSeg("tcb:pending-out", seg)
		return seg, true
	}
	if !state.canSendData() || payloadLen < 0 {
		payloadLen = 0
	}
	datalen := Size(payloadLen)
	if usable := tcb.snd.usable(); datalen > usable {
		datalen = usable
	}
	mss := tcb.mss
	if mss == 0 {
		mss = DefaultMSS
	}
	datalen = min(datalen, mss)
	flags := pending | FlagACK
	if datalen > 0 && int(datalen) == payloadLen {
		flags |= FlagPSH
	}
	sendFIN := tcb.closeRequested && !tcb.finSent && int(datalen) == payloadLen &&
		(state == StateEstablished || state == StateCloseWait || state == StateSynRcvd)
	if sendFIN {
		flags |= FlagFIN
	}
	if pending == 0 && datalen == 0 && !sendFIN {
		return Segment{}, false
	}
	seg := Segment{
		SEQ:     tcb.snd.NXT,
		ACK:     tcb.rcv.NXT,
		WND:     tcb.rcv.WND,
		Flags:   flags,
		DATALEN: datalen,
	}
	tcb.traceSeg("tcb:pending-out", seg)
	return seg, true
}

// ProbeSegment returns a one octet zero-window probe segment (RFC 9293 section 3.8.6.1).
// It is only valid when the remote advertises a zero window and nothing is in flight.
func (tcb *ControlBlock) ProbeSegment() (Segment, bool) {
	if !tcb._state.canSendData() || tcb.snd.WND != 0 || tcb.snd.inFlight() != 0 {
		return Segment{}, false
	}
	return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, WND: tcb.rcv.WND, Flags: FlagACK, DATALEN: 1}, true
}

// Send processes a segment that is being sent to the network, usually one
// returned by [ControlBlock.PendingSegment] or [ControlBlock.ProbeSegment].
// Sequence space consumed by the segment is committed and the state is
// updated accordingly. Retransmissions must not be passed to Send.
func (tcb *ControlBlock) Send(seg Segment) error {
	if seg.Flags.HasAny(FlagRST) {
		tcb.pending &^= FlagRST
		tcb.traceSeg("tcb:snd.rst", seg)
		return nil
	}
	hasSYN := seg.Flags.HasAny(FlagSYN)
	switch {
	case tcb._state == StateClosed || tcb._state == StateListen:
		return errConnNotexist
	case hasSYN && tcb._state != StateSynRcvd:
		return errInvalidState
	case hasSYN && seg.SEQ != tcb.snd.ISS:
		return errSeqNotNext
	case !hasSYN && seg.SEQ != tcb.snd.NXT:
		tcb.logerr("tcb:snd.reject", slog.String("err", errSeqNotNext.Error()),
			slog.Uint64("seg.seq", uint64(seg.SEQ)), slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)))
		return errSeqNotNext
	}
	tcb.pending &^= seg.Flags
	if hasSYN {
		if tcb.snd.NXT == tcb.snd.ISS {
			tcb.snd.NXT++
		}
		tcb.traceSnd("tcb:snd.syn")
		return nil
	}
	tcb.snd.NXT.UpdateForward(seg.DATALEN)
	if seg.Flags.HasAny(FlagFIN) && !tcb.finSent {
		tcb.finSent = true
		tcb.snd.NXT++
		switch tcb._state {
		case StateSynRcvd, StateEstablished:
			tcb._state = StateFinWait1 // RFC 9293: 3.10.4 CLOSE call.
		case StateCloseWait:
			tcb._state = StateLastAck
		}
	}
	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceSnd("tcb:snd")
		tcb.traceSeg("tcb:snd.seg", seg)
	}
	return nil
}

// Recv processes a segment that is being received from the network and
// updates the TCB following the "SEGMENT ARRIVES" event processing of
// RFC 9293 section 3.10.7. On success the returned [Text] indicates which of the
// segment's data octets were admitted in order and must be delivered to the user.
// Unacceptable segments are dropped; an acknowledgment is queued in reply unless
// the segment carries RST. [ErrOutOfOrder] is returned for acceptable segments
// whose data begins after RCV.NXT.
func (tcb *ControlBlock) Recv(seg Segment) (text Text, err error) {
	prevState := tcb._state
	switch tcb._state {
	case StateClosed:
		err = errConnNotexist
	case StateListen:
		var pending Flags
		pending, err = tcb.rcvListen(seg)
		tcb.pending |= pending
	case StateSynSent:
		err = errInvalidState
	default:
		text, err = tcb.rcvSynchronized(seg)
	}
	if err != nil {
		if tcb.logenabled(slog.LevelDebug) {
			tcb.traceSeg("tcb:rcv.reject", seg)
			tcb.debug("tcb:rcv.reject", slog.String("err", err.Error()), slog.String("state", tcb._state.String()))
		}
		return text, err
	}
	if prevState != tcb._state && tcb.logenabled(slog.LevelDebug) {
		tcb.debug("tcb:state", slog.String("old", prevState.String()), slog.String("new", tcb._state.String()))
	}
	if tcb.logenabled(internal.LevelTrace) {
		tcb.traceRcv("tcb:rcv")
		tcb.traceSeg("tcb:rcv.seg", seg)
	}
	return text, nil
}

// rcvSynchronized processes a segment arriving in SYN-RECEIVED or any later state.
// The checks are carried out in the order mandated by RFC 9293 section 3.10.7.4.
func (tcb *ControlBlock) rcvSynchronized(seg Segment) (text Text, err error) {
	flags := seg.Flags
	if tcb._state == StateSynRcvd && flags.HasAny(FlagSYN) && !flags.HasAny(FlagRST|FlagACK) && seg.SEQ == tcb.rcv.IRS {
		// Remote did not receive our SYN,ACK and retransmitted its SYN.
		tcb.pending |= FlagSYN
		return text, nil
	}

	// First: sequence number check.
	if !tcb.rcv.acceptable(seg) {
		if flags.HasAny(FlagRST) {
			return text, errSeqNotInWindow
		}
		tcb.pending |= FlagACK
		if tcb.rcv.WND == 0 && seg.SEQ == tcb.rcv.NXT && flags.HasAny(FlagACK) && tcb._state.IsSynchronized() {
			// Zero window: valid ACKs must still be processed.
			pending, err := tcb.rcvAckField(seg)
			tcb.pending |= pending
			if err != nil {
				return text, err
			}
			return text, errZeroWindow
		}
		return text, errSeqNotInWindow
	}

	// Second: RST bit.
	if flags.HasAny(FlagRST) {
		tcb.debug("tcb:rst", slog.String("state", tcb._state.String()))
		tcb.close()
		return text, ErrConnReset
	}

	// Third: SYN in window is answered with a challenge ACK (RFC 5961 section 4).
	if flags.HasAny(FlagSYN) {
		tcb.pending |= FlagACK
		return text, errUnexpectedSYN
	}

	// Fourth: ACK field.
	if !flags.HasAny(FlagACK) {
		return text, errNoACK
	}
	pending, err := tcb.rcvAckField(seg)
	tcb.pending |= pending
	if err != nil || tcb._state == StateClosed {
		return text, err
	}

	// Fifth: segment text.
	if seg.DATALEN > 0 && tcb._state.canRecvData() {
		text, err = tcb.admitText(seg)
		if err != nil {
			return text, err
		}
	}

	// Sixth: FIN bit.
	if flags.HasAny(FlagFIN) {
		tcb.rcvFIN(seg)
	}
	return text, nil
}

// rcvAckField dispatches the acknowledgment of a segment to the handler of the
// current state. In TIME-WAIT only a retransmitted FIN is acknowledged.
func (tcb *ControlBlock) rcvAckField(seg Segment) (pending Flags, err error) {
	switch tcb._state {
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished, StateCloseWait, StateFinWait2:
		pending, err = tcb.rcvAck(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateClosing:
		pending, err = tcb.rcvClosing(seg)
	case StateLastAck:
		pending, err = tcb.rcvLastAck(seg)
	case StateTimeWait:
		if seg.Flags.HasAny(FlagFIN) {
			pending = FlagACK
		}
	default:
		panic("unexpected recv state:" + tcb._state.String())
	}
	return pending, err
}

// admitText admits the in-order portion of the segment's data, trimming octets
// already received at the head and octets beyond the receive window at the tail.
func (tcb *ControlBlock) admitText(seg Segment) (text Text, err error) {
	start := seg.dataSeq()
	tcb.pending |= FlagACK
	if tcb.rcv.NXT.LessThan(start) {
		return text, ErrOutOfOrder
	}
	off := Sizeof(start, tcb.rcv.NXT)
	if off >= seg.DATALEN {
		return Text{Off: seg.DATALEN}, nil // Duplicate data.
	}
	n := min(seg.DATALEN-off, tcb.rcv.WND)
	tcb.rcv.NXT.UpdateForward(n)
	tcb.rcv.WND -= n
	return Text{Off: off, Len: n}, nil
}

// rcvFIN processes the FIN bit of an acceptable segment. The FIN is only
// consumed when every octet preceding it has been received.
func (tcb *ControlBlock) rcvFIN(seg Segment) {
	finSeq := Add(seg.dataSeq(), seg.DATALEN)
	if finSeq != tcb.rcv.NXT || tcb.finRcvd {
		return
	}
	tcb.rcv.NXT++
	tcb.finRcvd = true
	tcb.pending |= FlagACK
	switch tcb._state {
	case StateSynRcvd, StateEstablished:
		tcb._state = StateCloseWait
	case StateFinWait1:
		if tcb.finAcked() {
			tcb._state = StateTimeWait
		} else {
			tcb._state = StateClosing
		}
	case StateFinWait2:
		tcb._state = StateTimeWait
	}
}

// rcvAck processes the acknowledgment field as described for the ESTABLISHED state.
func (tcb *ControlBlock) rcvAck(seg Segment) (pending Flags, err error) {
	switch {
	case tcb.snd.NXT.LessThan(seg.ACK):
		return FlagACK, errAckUnsent
	case tcb.snd.UNA.LessThan(seg.ACK):
		tcb.snd.UNA = seg.ACK
	}
	tcb.updateWindow(seg)
	return 0, nil
}

// updateWindow updates SND.WND if the segment is newer than the one used for the
// last window update, which prevents old reordered segments from updating the window.
func (tcb *ControlBlock) updateWindow(seg Segment) {
	snd := &tcb.snd
	if seg.ACK.LessThan(snd.UNA) {
		return
	}
	if snd.WL1.LessThan(seg.SEQ) || (snd.WL1 == seg.SEQ && snd.WL2.LessThanEq(seg.ACK)) {
		snd.WND = seg.WND
		snd.WL1 = seg.SEQ
		snd.WL2 = seg.ACK
	}
}

// finAcked returns true if our FIN was sent and acknowledged by the remote.
func (tcb *ControlBlock) finAcked() bool {
	return tcb.finSent && tcb.snd.UNA == tcb.snd.NXT
}

// Close implements the CLOSE user call. Queued data is sent before the FIN.
func (tcb *ControlBlock) Close() error {
	switch tcb._state {
	case StateClosed:
		return errConnNotexist
	case StateListen, StateSynSent:
		tcb.close()
	case StateSynRcvd, StateEstablished, StateCloseWait:
		tcb.closeRequested = true
	default:
		return errConnectionClosing
	}
	tcb.trace("tcb:close", slog.String("state", tcb._state.String()))
	return nil
}

// Abort implements the ABORT user call. The connection is closed immediately and,
// if the remote must be informed, the returned RST segment should be sent.
func (tcb *ControlBlock) Abort() (rst Segment, send bool) {
	switch tcb._state {
	case StateSynRcvd, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		rst = Segment{SEQ: tcb.snd.NXT, Flags: FlagRST}
		send = true
	}
	tcb.close()
	return rst, send
}

// close sets ControlBlock state to closed. The sequence spaces are left as is for inspection.
func (tcb *ControlBlock) close() {
	tcb._state = StateClosed
	tcb.pending = 0
	tcb.closeRequested = false
	tcb.trace("tcb:close-internal")
}
