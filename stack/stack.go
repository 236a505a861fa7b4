// Package stack implements the TCP connection layer: a connection table keyed
// by 4-tuple, a demultiplexer routing received datagrams to connections, the
// timers driving retransmission and TIME-WAIT, and the application facing [Conn].
//
// All protocol processing happens under a single lock, one datagram or timer
// expiry at a time. [Stack.Demux] and [Stack.Tick] are the synchronous entry
// points; [Stack.Run] drives them from a [link.Transport].
package stack

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/tuntcp"
	"github.com/soypat/tuntcp/internal"
	"github.com/soypat/tuntcp/link"
	"github.com/soypat/tuntcp/tcp"
	"github.com/soypat/tuntcp/wire"
)

var (
	// ErrConnReset is returned by [Conn] operations after the peer reset the connection.
	ErrConnReset = errors.New("connection reset by peer")
	// ErrTimeout is returned by [Conn] operations after the connection was
	// aborted for exceeding the maximum amount of retransmissions.
	ErrTimeout = errors.New("connection timed out")

	errBacklogFull = errors.New("accept backlog full")
)

// Stack serves TCP connections over a transport carrying IPv4 datagrams.
type Stack struct {
	mu        sync.Mutex
	transport link.Transport
	table     *Table
	timers    timerQueue
	iss       tcp.ISSGenerator
	builder   wire.Builder
	vld       tuntcp.Validator
	cfg       Config
	acceptq   chan *Conn
	closed    chan struct{}
	closeOnce sync.Once
	wbuf      []byte
	logger
}

// New returns a Stack reading and writing datagrams through transport.
// Connections are kept in table; a nil table creates one sized by cfg.MaxConnections.
func New(transport link.Transport, table *Table, cfg Config) (*Stack, error) {
	if transport == nil {
		return nil, errors.Wrap(tuntcp.ErrInvalidConfig, "stack: nil transport")
	}
	cfg = cfg.withDefaults(transport.MTU())
	if table == nil {
		table = NewTable(cfg.MaxConnections)
	} else if table.max <= 0 {
		table.max = cfg.MaxConnections
	}
	s := &Stack{
		transport: transport,
		table:     table,
		timers:    newTimerQueue(),
		cfg:       cfg,
		acceptq:   make(chan *Conn, cfg.Backlog),
		closed:    make(chan struct{}),
		wbuf:      make([]byte, 0, transport.MTU()),
		logger:    logger{log: cfg.Logger},
	}
	if err := s.iss.Reset(tcp.ISSConfig{Rand: rand.Reader}); err != nil {
		return nil, errors.Wrap(err, "stack: seeding ISS generator")
	}
	s.builder.TTL = cfg.TTL
	s.builder.SkipChecksum = cfg.ChecksumOff
	if cfg.ChecksumOff {
		s.vld.SetFlags(tuntcp.ValidateSkipChecksum)
	}
	return s, nil
}

// Demux processes a single received datagram. Datagrams that are not IPv4 or
// do not carry TCP are ignored. Malformed datagrams return an error matching
// [tuntcp.ErrPacketDrop]; any other error is a transport write failure.
func (s *Stack) Demux(datagram []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demux(datagram)
}

func (s *Stack) demux(datagram []byte) error {
	if wire.Version(datagram) != 4 {
		s.trace("stack:demux-not-ipv4", slog.Int("len", len(datagram)))
		return nil
	}
	s.vld.ResetErr()
	d, err := wire.ParseDatagram(datagram, &s.vld)
	if errors.Is(err, tuntcp.ErrUnsupported) {
		s.trace("stack:demux-not-tcp", slog.String("proto", d.IP.Protocol.String()))
		return nil
	} else if err != nil {
		s.debug("stack:demux-drop", slog.String("err", err.Error()))
		return &tuntcp.DropError{Reason: err}
	}
	if s.logenabled(internal.LevelTrace) {
		s.trace("stack:in", internal.SlogDatagram("dgram", datagram))
	}
	tuple := Tuple{Local: d.Local(), Remote: d.Remote()}
	c := s.table.Lookup(tuple)
	if c == nil {
		return s.demuxNew(tuple, &d)
	}
	return s.recv(c, &d)
}

// demuxNew handles a segment for a 4-tuple without a connection. Only a SYN
// may open a connection; anything else is answered with a RST unless it is a RST.
func (s *Stack) demuxNew(tuple Tuple, d *wire.Datagram) error {
	seg := d.TCP.Segment()
	switch {
	case seg.Flags.HasAny(tcp.FlagRST):
		return nil
	case seg.Flags&(tcp.FlagSYN|tcp.FlagACK|tcp.FlagFIN) != tcp.FlagSYN:
		s.debug("stack:rst-unknown", slogTuple(tuple), slog.String("flags", seg.Flags.String()))
		return s.reset(tuple, seg)
	case !s.cfg.listening(tuple.Local.Port()):
		s.debug("stack:refuse-port", slogTuple(tuple))
		return s.reset(tuple, seg)
	case s.table.Full() || len(s.acceptq) == cap(s.acceptq):
		s.warn("stack:refuse-full", slogTuple(tuple), slog.Int("conns", s.table.Len()))
		return s.reset(tuple, seg)
	}
	c := newConn(s, tuple)
	c.tcb.SetMSS(tcp.Size(min(d.TCP.MSS(), s.cfg.MSS)))
	now := s.now()
	wnd := tcp.Size(min(c.rx.Free(), math.MaxUint16))
	if err := c.tcb.Open(s.iss.ISS(tuple.Local, tuple.Remote, now), wnd); err != nil {
		return err
	}
	if _, err := c.tcb.Recv(seg); err != nil {
		return &tuntcp.DropError{Reason: err}
	}
	if err := s.table.Insert(tuple, c); err != nil {
		return &tuntcp.DropError{Reason: err}
	}
	s.debug("stack:demux-new", slogTuple(tuple), slog.Uint64("irs", uint64(seg.SEQ)), slog.Uint64("mss", uint64(d.TCP.MSS())))
	return s.settle(c, tcp.StateListen)
}

// recv processes a segment for an existing connection.
func (s *Stack) recv(c *Conn, d *wire.Datagram) error {
	seg := d.TCP.Segment()
	payload := d.TCP.Payload
	prev := c.tcb.State()
	c.tcb.SetRecvWindow(c.freeWindow())
	err := c.admit(seg, payload)
	switch {
	case err == nil:
		c.reassemble()
	case errors.Is(err, tcp.ErrOutOfOrder):
		if !c.ooo.insert(seg, payload) {
			s.debug("stack:ooo-drop", slogTuple(c.tuple), slog.Uint64("seg.seq", uint64(seg.SEQ)))
		}
	case errors.Is(err, tcp.ErrConnReset):
		c.err = ErrConnReset
	default:
		s.debug("stack:recv-reject", slogTuple(c.tuple), slog.String("err", err.Error()))
	}
	if prev == tcp.StateTimeWait && seg.Flags.HasAny(tcp.FlagFIN) && seg.Last() == c.tcb.RecvNext()-1 {
		// Retransmitted FIN: our last ACK was lost.
		s.timers.schedule(c, timerTimeWait, s.now().Add(2*s.cfg.MSL))
	}
	return s.settle(c, prev)
}

// settle runs after every event on a connection: it retires acknowledged
// segments, sends pending segments, manages timers and lifecycle and wakes
// goroutines blocked on the connection.
func (s *Stack) settle(c *Conn, prev tcp.State) error {
	if c.removed {
		return nil
	}
	now := s.now()
	if e, ok := c.rtx.Front(); ok && e.Seg.SEQ.LessThan(c.tcb.SendUnacked()) {
		// SND.UNA advanced: restart the timer (RFC 6298 section 5.3).
		c.rtx.Ack(c.tcb.SendUnacked(), now)
		if c.rtx.Len() == 0 {
			s.timers.cancel(c, timerRetransmit)
		} else {
			s.timers.schedule(c, timerRetransmit, now.Add(c.rtx.RTO()))
		}
	}
	if c.closed {
		c.rx.Reset() // Nobody will read it.
	}
	err := s.flush(c)
	state := c.tcb.State()
	if state != prev {
		s.debug("stack:state", slogTuple(c.tuple), slog.String("old", prev.String()), slog.String("new", state.String()))
	}
	switch {
	case state == tcp.StateClosed:
		s.remove(c)
		return err
	case state == tcp.StateTimeWait && prev != tcp.StateTimeWait:
		s.timers.cancel(c, timerRetransmit)
		s.timers.cancel(c, timerPersist)
		s.timers.schedule(c, timerTimeWait, now.Add(2*s.cfg.MSL))
	}
	if prev == tcp.StateSynRcvd && state != tcp.StateSynRcvd && !c.enqueued {
		select {
		case s.acceptq <- c:
			c.enqueued = true
		default:
			s.warn("stack:backlog-full", slogTuple(c.tuple))
			return s.abort(c, errBacklogFull)
		}
	}
	s.updatePersist(c, now)
	c.notify()
	return err
}

// flush sends every segment the connection has pending.
func (s *Stack) flush(c *Conn) error {
	c.tcb.SetRecvWindow(c.freeWindow())
	for {
		seg, ok := c.tcb.PendingSegment(c.tx.Length())
		if !ok {
			return nil
		}
		payload := c.sendBuf(int(seg.DATALEN))
		if len(payload) > 0 {
			c.tx.Read(payload)
		}
		var opts []byte
		if seg.Flags.HasAny(tcp.FlagSYN) {
			opts = wire.AppendMSSOption(c.optBuf[:0], s.cfg.MSS)
		}
		isNew := seg.LEN() > 0 && seg.SEQ == c.tcb.SendNext()
		if err := c.tcb.Send(seg); err != nil {
			s.logerr("stack:flush", slogTuple(c.tuple), slog.String("err", err.Error()))
			return err
		}
		if isNew {
			s.pushRetransmit(c, seg, payload)
		}
		if err := s.write(c.tuple, seg, opts, payload); err != nil {
			return err
		}
	}
}

func (s *Stack) pushRetransmit(c *Conn, seg tcp.Segment, payload []byte) {
	now := s.now()
	if err := c.rtx.Push(seg, payload, now); err != nil {
		s.logerr("stack:rtx-push", slogTuple(c.tuple), slog.String("err", err.Error()))
		return
	}
	if !s.timers.armed(c, timerRetransmit) {
		s.timers.schedule(c, timerRetransmit, now.Add(c.rtx.RTO()))
	}
}

// retransmit resends the oldest unacknowledged segment with current
// acknowledgment and window values.
func (s *Stack) retransmit(c *Conn, now time.Time) error {
	e, ok := c.rtx.Front()
	if !ok {
		return nil
	}
	if int(e.Retries) >= s.cfg.MaxRetries {
		s.info("stack:rtx-giveup", slogTuple(c.tuple), slog.Uint64("seq", uint64(e.Seg.SEQ)))
		return s.abort(c, ErrTimeout)
	}
	seg := e.Seg
	seg.ACK = c.tcb.RecvNext()
	seg.WND = c.tcb.RecvWindow()
	seg.Flags |= tcp.FlagACK
	var opts []byte
	if seg.Flags.HasAny(tcp.FlagSYN) {
		opts = wire.AppendMSSOption(c.optBuf[:0], s.cfg.MSS)
	}
	c.rtx.MarkRetransmitted(now)
	s.timers.schedule(c, timerRetransmit, now.Add(c.rtx.RTO()))
	s.debug("stack:rtx", slogTuple(c.tuple), slog.Uint64("seq", uint64(seg.SEQ)),
		slog.Uint64("len", uint64(seg.DATALEN)), slog.Duration("rto", c.rtx.RTO()))
	return s.write(c.tuple, seg, opts, e.Data)
}

// updatePersist arms the persist timer while the peer advertises a zero window
// with data queued and nothing in flight, and disarms it otherwise.
func (s *Stack) updatePersist(c *Conn, now time.Time) {
	st := c.tcb.State()
	need := c.tcb.SendWindow() == 0 && c.tx.Length() > 0 && c.tcb.InFlight() == 0 &&
		(st == tcp.StateEstablished || st == tcp.StateCloseWait)
	switch {
	case need && !s.timers.armed(c, timerPersist):
		s.timers.schedule(c, timerPersist, now.Add(c.rtx.RTO()))
	case !need:
		s.timers.cancel(c, timerPersist)
	}
}

// probe sends a one octet zero window probe. The octet is then covered by the
// retransmission timer which keeps probing with backoff.
func (s *Stack) probe(c *Conn) error {
	seg, ok := c.tcb.ProbeSegment()
	if !ok || c.tx.Length() == 0 {
		return nil
	}
	payload := c.sendBuf(1)
	c.tx.Read(payload)
	if err := c.tcb.Send(seg); err != nil {
		return err
	}
	s.pushRetransmit(c, seg, payload)
	s.debug("stack:probe", slogTuple(c.tuple), slog.Uint64("seq", uint64(seg.SEQ)))
	return s.write(c.tuple, seg, nil, payload)
}

// abort tears down c sending a RST if the peer must be informed.
func (s *Stack) abort(c *Conn, reason error) error {
	rst, send := c.tcb.Abort()
	if c.err == nil {
		c.err = reason
	}
	s.remove(c)
	if send {
		return s.write(c.tuple, rst, nil, nil)
	}
	return nil
}

func (s *Stack) remove(c *Conn) {
	if c.removed {
		return
	}
	c.removed = true
	if c.err == nil {
		c.err = net.ErrClosed
	}
	s.table.Remove(c.tuple)
	s.timers.cancelAll(c)
	c.rtx.Reset(s.cfg.rtoConfig())
	c.ooo.reset()
	c.notify()
	s.debug("stack:remove", slogTuple(c.tuple), slog.String("reason", c.err.Error()))
}

// reset answers a segment that does not belong to any connection.
func (s *Stack) reset(tuple Tuple, seg tcp.Segment) error {
	var err error
	s.wbuf, err = s.builder.AppendReset(s.wbuf[:0], tuple.Local, tuple.Remote, seg)
	if err != nil {
		return &tuntcp.DropError{Reason: err}
	}
	return s.writeBuf()
}

func (s *Stack) write(tuple Tuple, seg tcp.Segment, opts, payload []byte) error {
	var err error
	s.wbuf, err = s.builder.AppendSegment(s.wbuf[:0], tuple.Local, tuple.Remote, seg, opts, payload)
	if err != nil {
		s.logerr("stack:build", slogTuple(tuple), slog.String("err", err.Error()))
		return err
	}
	return s.writeBuf()
}

func (s *Stack) writeBuf() error {
	if s.logenabled(internal.LevelTrace) {
		s.trace("stack:out", internal.SlogDatagram("dgram", s.wbuf))
	}
	if _, err := s.transport.Write(s.wbuf); err != nil {
		return errors.Wrap(err, "stack: transport write")
	}
	return nil
}

// Tick fires every timer due at now. It returns the first transport error.
func (s *Stack) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for {
		t, ok := s.timers.pop(now)
		if !ok {
			return firstErr
		}
		c := t.conn
		prev := c.tcb.State()
		var err error
		switch t.kind {
		case timerRetransmit:
			err = s.retransmit(c, now)
		case timerPersist:
			err = s.probe(c)
		case timerTimeWait:
			s.remove(c)
			continue
		}
		if err == nil {
			err = s.settle(c, prev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// NextDeadline returns the time at which the earliest armed timer fires.
func (s *Stack) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.next()
}

// Run reads datagrams from the transport and processes them along with timer
// expiries until ctx is done or the transport fails. Malformed datagrams are
// logged and skipped. Run does not close the transport, see [Stack.Close].
func (s *Stack) Run(ctx context.Context) error {
	const numBufs = 4
	mtu := s.transport.MTU()
	free := make(chan []byte, numBufs)
	for i := 0; i < numBufs; i++ {
		free <- make([]byte, mtu)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	packets := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			var buf []byte
			select {
			case buf = <-free:
			case <-ctx.Done():
				return
			}
			n, err := s.transport.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case packets <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
	}()
	s.info("stack:run", slog.Int("mtu", mtu), slog.Uint64("mss", uint64(s.cfg.MSS)))
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		if next, ok := s.NextDeadline(); ok {
			wait = max(next.Sub(s.now()), 0)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return net.ErrClosed
		case err := <-readErr:
			return errors.Wrap(err, "stack: transport read")
		case pkt := <-packets:
			err := s.Demux(pkt)
			free <- pkt[:cap(pkt)]
			if errors.Is(err, tuntcp.ErrPacketDrop) {
				continue
			} else if err != nil {
				return err
			}
		case <-timer.C:
			if err := s.Tick(s.now()); err != nil {
				return err
			}
		}
	}
}

// Accept waits for the next connection that completed the handshake.
func (s *Stack) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.acceptq:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

// Close resets every connection and closes the transport.
func (s *Stack) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		var conns []*Conn
		s.table.Range(func(_ Tuple, c *Conn) bool {
			conns = append(conns, c)
			return true
		})
		for _, c := range conns {
			s.abort(c, net.ErrClosed)
		}
		s.mu.Unlock()
		err = s.transport.Close()
	})
	return err
}

// Len returns the number of connections in the table.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Len()
}

func (s *Stack) now() time.Time { return s.cfg.Now() }
