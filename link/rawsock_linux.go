//go:build linux

package link

import (
	"os"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RawSocket sends and receives TCP carrying IPv4 datagrams through a raw IP
// socket, sharing the host's interfaces. Since the host kernel also processes
// received segments, the kernel must be prevented from answering on the ports
// served, usually with a firewall rule dropping its outgoing RSTs.
type RawSocket struct {
	f     *os.File
	ports []uint16
}

var _ Transport = (*RawSocket)(nil)

// OpenRawSocket opens a raw TCP socket which only delivers datagrams whose
// destination port is in ports. If ports is empty all datagrams are delivered.
// Requires CAP_NET_RAW.
func OpenRawSocket(ports []uint16) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "raw socket")
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "IP_HDRINCL")
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "raw socket set nonblock")
	}
	return &RawSocket{f: os.NewFile(uintptr(fd), "rawsock"), ports: slices.Clone(ports)}, nil
}

// Read reads the next datagram destined to one of the socket's ports.
func (rs *RawSocket) Read(b []byte) (int, error) {
	for {
		n, err := rs.f.Read(b)
		if err != nil || rs.accept(b[:n]) {
			return n, err
		}
	}
}

// Write sends an IPv4 datagram to the destination in its header.
func (rs *RawSocket) Write(b []byte) (int, error) {
	dst, ok := destination(b)
	if !ok {
		return 0, errors.New("rawsock: not an IPv4 datagram")
	}
	conn, err := rs.f.SyscallConn()
	if err != nil {
		return 0, err
	}
	var serr error
	err = conn.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), b, 0, &unix.SockaddrInet4{Addr: dst.As4()})
		return serr != unix.EAGAIN
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "rawsock sendto %s", dst)
	}
	return len(b), nil
}

// MTU returns [DefaultMTU].
func (rs *RawSocket) MTU() int { return DefaultMTU }

func (rs *RawSocket) Close() error { return rs.f.Close() }

func (rs *RawSocket) accept(datagram []byte) bool {
	if len(rs.ports) == 0 {
		return true
	}
	if len(datagram) < 20 {
		return false
	}
	ihl := int(datagram[0]&0xf) * 4
	if len(datagram) < ihl+4 {
		return false
	}
	port := uint16(datagram[ihl+2])<<8 | uint16(datagram[ihl+3])
	return slices.Contains(rs.ports, port)
}
