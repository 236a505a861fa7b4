// Package link provides transports that carry raw IPv4 datagrams between the
// stack and the host: a TUN device, a raw IP socket and an in-memory channel
// used for testing.
package link

import (
	"io"
	"net/netip"
)

// Transport reads and writes whole IPv4 datagrams, one per call.
type Transport interface {
	io.ReadWriteCloser
	// MTU returns the maximum datagram size the transport carries.
	MTU() int
}

// DefaultMTU is used when a transport's MTU can not be queried.
const DefaultMTU = 1500

// destination returns the destination address of an IPv4 datagram.
func destination(datagram []byte) (netip.Addr, bool) {
	if len(datagram) < 20 || datagram[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(datagram[16:20])), true
}
