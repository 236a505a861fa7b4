package link

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/tuntcp"
)

var errChannelFull = errors.New("link: channel full, datagram dropped")

// Channel is an in-memory [Transport]. Datagrams injected by the test harness
// are returned by Read and datagrams written by the stack are queued for
// inspection. Writes never block: when the outbound queue is full the datagram
// is dropped as a real link would.
type Channel struct {
	in     chan []byte
	out    chan []byte
	mtu    int
	closed chan struct{}
	once   sync.Once
}

var _ Transport = (*Channel)(nil)

// NewChannel returns a Channel that queues up to size datagrams in each direction.
func NewChannel(size, mtu int) *Channel {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Channel{
		in:     make(chan []byte, size),
		out:    make(chan []byte, size),
		mtu:    mtu,
		closed: make(chan struct{}),
	}
}

// Inject queues a copy of datagram to be returned by Read. It blocks while
// the inbound queue is full.
func (c *Channel) Inject(datagram []byte) error {
	if len(datagram) > c.mtu {
		return tuntcp.ErrShortBuffer
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.in <- append([]byte(nil), datagram...):
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

// Read blocks until a datagram is injected or the channel is closed.
func (c *Channel) Read(b []byte) (int, error) {
	select {
	case datagram := <-c.in:
		if len(b) < len(datagram) {
			return 0, tuntcp.ErrShortBuffer
		}
		return copy(b, datagram), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

// Write queues a copy of b in the outbound queue.
func (c *Channel) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if len(b) > c.mtu {
		return 0, errors.Errorf("link: datagram of %d bytes exceeds MTU %d", len(b), c.mtu)
	}
	select {
	case c.out <- append([]byte(nil), b...):
		return len(b), nil
	default:
		return 0, errChannelFull
	}
}

// Outbound returns the queue of datagrams written by the stack.
func (c *Channel) Outbound() <-chan []byte { return c.out }

// Drain returns and removes every datagram currently in the outbound queue.
func (c *Channel) Drain() (datagrams [][]byte) {
	for {
		select {
		case datagram := <-c.out:
			datagrams = append(datagrams, datagram)
		default:
			return datagrams
		}
	}
}

func (c *Channel) MTU() int { return c.mtu }

// Close unblocks pending reads. Queued datagrams remain available to Drain.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
