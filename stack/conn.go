package stack

import (
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/soypat/tuntcp/tcp"
)

// Conn is a TCP connection served by a [Stack]. It implements [net.Conn].
// Connections are obtained from [Stack.Accept] once the handshake completes.
type Conn struct {
	s     *Stack
	tuple Tuple
	tcb   tcp.ControlBlock
	// rx holds received data not yet read by the user.
	rx *ringbuffer.RingBuffer
	// tx holds data written by the user not yet sent. Sent data lives in rtx.
	tx     *ringbuffer.RingBuffer
	rtx    tcp.RetransmitQueue
	ooo    reassembly
	timers [numTimers]timer

	// err is the terminal error reported once the connection is removed.
	err      error
	closed   bool // Close or Abort called by user.
	removed  bool
	enqueued bool
	wake     chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time

	sbuf   []byte
	optBuf [4]byte
}

var _ net.Conn = (*Conn)(nil)

func newConn(s *Stack, tuple Tuple) *Conn {
	c := &Conn{
		s:     s,
		tuple: tuple,
		rx:    ringbuffer.New(s.cfg.RecvBufferSize),
		tx:    ringbuffer.New(s.cfg.SendBufferSize),
		ooo:   newReassembly(min(s.cfg.RecvBufferSize, math.MaxUint16)),
		wake:  make(chan struct{}),
	}
	c.rtx.Reset(s.cfg.rtoConfig())
	c.tcb.SetLogger(s.cfg.Logger)
	return c
}

// admit feeds a segment to the control block and stores admitted data.
func (c *Conn) admit(seg tcp.Segment, payload []byte) error {
	text, err := c.tcb.Recv(seg)
	if err == nil && text.Len > 0 {
		c.rx.Write(payload[text.Off : text.Off+text.Len])
	}
	return err
}

// reassemble admits queued out of order segments made contiguous by the last
// admitted segment.
func (c *Conn) reassemble() {
	for c.ooo.len() > 0 && !c.tcb.RecvClosed() {
		o, ok := c.ooo.next(c.tcb.RecvNext())
		if !ok {
			return
		}
		c.tcb.SetRecvWindow(c.freeWindow())
		if err := c.admit(o.seg, o.data); err != nil {
			c.s.debug("stack:reassemble", slogTuple(c.tuple), slog.String("err", err.Error()))
			return
		}
	}
}

// freeWindow returns the receive window backed by free receive buffer space.
func (c *Conn) freeWindow() tcp.Size {
	return tcp.Size(min(c.rx.Free(), math.MaxUint16))
}

func (c *Conn) sendBuf(n int) []byte {
	if cap(c.sbuf) < n {
		c.sbuf = make([]byte, n)
	}
	return c.sbuf[:n]
}

// notify wakes goroutines blocked in wait.
func (c *Conn) notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// wait releases the stack lock until the connection is notified, the deadline
// passes or the stack is closed. The lock is held again on return.
func (c *Conn) wait(deadline time.Time) error {
	wake := c.wake
	c.s.mu.Unlock()
	defer c.s.mu.Lock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-wake:
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-c.s.closed:
		return net.ErrClosed
	}
}

// Read reads received data. It returns io.EOF once the peer closed its
// sending side and all data was read.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for {
		switch {
		case c.closed:
			return 0, net.ErrClosed
		case c.rx.Length() > 0:
			n, _ := c.rx.Read(b)
			if err := c.windowUpdate(); err != nil {
				c.s.logerr("stack:window-update", slogTuple(c.tuple), slog.String("err", err.Error()))
			}
			return n, nil
		case c.tcb.RecvClosed():
			return 0, io.EOF
		case c.removed:
			return 0, c.err
		}
		if err := c.wait(c.readDeadline); err != nil {
			return 0, err
		}
	}
}

// windowUpdate announces the receive window after the user drained data once
// it grew by min(MSS, buffer/2), the receiver side silly window avoidance of
// RFC 1122 section 4.2.3.3.
func (c *Conn) windowUpdate() error {
	if c.removed {
		return nil
	}
	old := c.tcb.RecvWindow()
	free := c.freeWindow()
	threshold := tcp.Size(min(int(c.s.cfg.MSS), c.s.cfg.RecvBufferSize/2))
	if free <= old || free-old < threshold {
		return nil
	}
	c.tcb.RequestACK()
	return c.s.settle(c, c.tcb.State())
}

// Write queues b for sending, blocking while the send buffer is full.
func (c *Conn) Write(b []byte) (n int, err error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for n < len(b) {
		st := c.tcb.State()
		switch {
		case c.closed:
			return n, net.ErrClosed
		case c.removed:
			return n, c.err
		case st != tcp.StateEstablished && st != tcp.StateCloseWait:
			return n, net.ErrClosed
		}
		if free := c.tx.Free(); free > 0 {
			m, _ := c.tx.Write(b[n : n+min(free, len(b)-n)])
			n += m
			if err = c.s.settle(c, st); err != nil {
				return n, err
			}
			continue
		}
		if err = c.wait(c.writeDeadline); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close performs an orderly close: queued data is sent followed by a FIN.
// Data received after Close is discarded.
func (c *Conn) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	if c.removed {
		c.notify()
		return nil
	}
	prev := c.tcb.State()
	if err := c.tcb.Close(); err != nil {
		c.s.debug("stack:close", slogTuple(c.tuple), slog.String("err", err.Error()))
	}
	return c.s.settle(c, prev)
}

// Abort resets the connection, discarding queued data.
func (c *Conn) Abort() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed && c.removed {
		return net.ErrClosed
	}
	c.closed = true
	if c.removed {
		return nil
	}
	return c.s.abort(c, net.ErrClosed)
}

// State returns the connection's protocol state.
func (c *Conn) State() tcp.State {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.tcb.State()
}

// Tuple returns the connection's 4-tuple.
func (c *Conn) Tuple() Tuple { return c.tuple }

// LocalAddr returns the local address as a *net.TCPAddr.
func (c *Conn) LocalAddr() net.Addr { return net.TCPAddrFromAddrPort(c.tuple.Local) }

// RemoteAddr returns the remote address as a *net.TCPAddr.
func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.tuple.Remote) }

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.readDeadline, c.writeDeadline = t, t
	c.notify()
	return nil
}

// SetReadDeadline sets the deadline for pending and future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.readDeadline = t
	c.notify()
	return nil
}

// SetWriteDeadline sets the deadline for pending and future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.writeDeadline = t
	c.notify()
	return nil
}

// Err returns the reason the connection was removed from the stack, or nil if it is live.
func (c *Conn) Err() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.removed {
		return nil
	}
	return c.err
}
