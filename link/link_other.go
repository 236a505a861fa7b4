//go:build !linux

package link

import (
	"net/netip"

	"github.com/soypat/tuntcp"
)

// Tun is only supported on linux.
type Tun struct{ Transport }

// OpenTun returns [tuntcp.ErrUnsupported].
func OpenTun(name string, prefix netip.Prefix) (*Tun, error) {
	return nil, tuntcp.ErrUnsupported
}

// RawSocket is only supported on linux.
type RawSocket struct{ Transport }

// OpenRawSocket returns [tuntcp.ErrUnsupported].
func OpenRawSocket(ports []uint16) (*RawSocket, error) {
	return nil, tuntcp.ErrUnsupported
}
