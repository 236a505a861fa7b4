package tcp

import (
	"errors"
	"time"
)

// RTOConfig configures the retransmission timeout estimator of a [RetransmitQueue].
type RTOConfig struct {
	// Initial is the RTO used before any round trip time has been measured.
	Initial time.Duration
	// Min and Max clamp the computed RTO.
	Min time.Duration
	Max time.Duration
}

// RetransmitEntry is a segment that was sent and is not yet fully acknowledged.
type RetransmitEntry struct {
	// Seg holds the sequence number, flags and data length of the segment.
	// ACK and WND are filled in on every retransmission with current values.
	Seg      Segment
	Data     []byte
	SendTime time.Time
	Retries  uint32
}

// RetransmitQueue stores segments occupying sequence space in [SND.UNA, SND.NXT)
// and estimates the retransmission timeout with the RFC 793 smoothed round trip
// time algorithm:
//
//	SRTT = ( ALPHA * SRTT ) + ((1-ALPHA) * RTT)
//	RTO = min[UBOUND,max[LBOUND,(BETA*SRTT)]]
//
// Round trip time is only sampled from segments that were never retransmitted (Karn's algorithm).
type RetransmitQueue struct {
	entries []RetransmitEntry
	srtt    time.Duration
	rto     time.Duration
	cfg     RTOConfig
	sampled bool
}

const (
	rttAlpha = 0.875 // RFC793 recommended value (1 - 0.125)
	rtoBeta  = 2.0
)

var errSegmentNotContiguous = errors.New("retransmit: segment not contiguous with queue")

// Reset clears the queue and configures the estimator.
func (rq *RetransmitQueue) Reset(cfg RTOConfig) {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if cfg.Min <= 0 || cfg.Min > cfg.Max {
		cfg.Min = min(200*time.Millisecond, cfg.Max)
	}
	*rq = RetransmitQueue{
		entries: rq.entries[:0],
		cfg:     cfg,
		rto:     min(max(cfg.Initial, cfg.Min), cfg.Max),
	}
}

// Len returns the number of segments awaiting acknowledgment.
func (rq *RetransmitQueue) Len() int { return len(rq.entries) }

// RTO returns the current retransmission timeout.
func (rq *RetransmitQueue) RTO() time.Duration { return rq.rto }

// SRTT returns the smoothed round trip time. It is zero until the first sample.
func (rq *RetransmitQueue) SRTT() time.Duration { return rq.srtt }

// Push adds a freshly sent segment to the back of the queue. Data is copied.
// Segments which occupy no sequence space are ignored.
func (rq *RetransmitQueue) Push(seg Segment, data []byte, now time.Time) error {
	if seg.LEN() == 0 {
		return nil
	}
	if n := len(rq.entries); n > 0 {
		last := &rq.entries[n-1].Seg
		if Add(last.SEQ, last.LEN()) != seg.SEQ {
			return errSegmentNotContiguous
		}
	}
	seg.Flags &= FlagSYN | FlagFIN | FlagPSH
	rq.entries = append(rq.entries, RetransmitEntry{
		Seg:      seg,
		Data:     append([]byte(nil), data[:seg.DATALEN]...),
		SendTime: now,
	})
	return nil
}

// Front returns the oldest unacknowledged segment.
func (rq *RetransmitQueue) Front() (*RetransmitEntry, bool) {
	if len(rq.entries) == 0 {
		return nil, false
	}
	return &rq.entries[0], true
}

// Ack removes all sequence space before una from the queue, trimming a
// partially acknowledged segment at the front. It returns the amount of removed
// entries. A round trip time sample is taken from the last fully acknowledged
// entry if it was never retransmitted.
func (rq *RetransmitQueue) Ack(una Value, now time.Time) (removed int) {
	var sample *RetransmitEntry
	for removed < len(rq.entries) {
		e := &rq.entries[removed]
		end := Add(e.Seg.SEQ, e.Seg.LEN())
		if !end.LessThanEq(una) {
			break
		}
		sample = e
		removed++
	}
	if sample != nil && sample.Retries == 0 {
		rq.sampleRTT(now.Sub(sample.SendTime))
	}
	n := copy(rq.entries, rq.entries[removed:])
	clear(rq.entries[n:])
	rq.entries = rq.entries[:n]
	if len(rq.entries) > 0 {
		trimFront(&rq.entries[0], una)
	}
	return removed
}

func trimFront(e *RetransmitEntry, una Value) {
	if !e.Seg.SEQ.LessThan(una) {
		return
	}
	if e.Seg.Flags.HasAny(FlagSYN) {
		e.Seg.Flags &^= FlagSYN
		e.Seg.SEQ++
	}
	n := min(Sizeof(e.Seg.SEQ, una), e.Seg.DATALEN)
	e.Data = e.Data[n:]
	e.Seg.DATALEN -= n
	e.Seg.SEQ.UpdateForward(n)
}

// MarkRetransmitted is called after the front segment is sent again.
// The timeout is doubled up to the configured maximum.
func (rq *RetransmitQueue) MarkRetransmitted(now time.Time) {
	if len(rq.entries) > 0 {
		rq.entries[0].Retries++
		rq.entries[0].SendTime = now
	}
	rq.Backoff()
}

// Backoff doubles the retransmission timeout up to the configured maximum.
func (rq *RetransmitQueue) Backoff() {
	rq.rto = min(2*rq.rto, rq.cfg.Max)
}

func (rq *RetransmitQueue) sampleRTT(rtt time.Duration) {
	if !rq.sampled {
		rq.srtt = rtt
		rq.sampled = true
	} else {
		rq.srtt = time.Duration(float64(rq.srtt)*rttAlpha + float64(rtt)*(1-rttAlpha))
	}
	rto := time.Duration(float64(rq.srtt) * rtoBeta)
	rq.rto = min(max(rto, rq.cfg.Min), rq.cfg.Max)
}
