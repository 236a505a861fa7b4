// Package wire implements parsing and building of the IPv4 and TCP headers
// exchanged over a point-to-point link. Header field access and checksum
// arithmetic are delegated to the netstack header package.
package wire

import (
	"errors"
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/soypat/tuntcp"
)

const (
	sizeHeaderIPv4 = header.IPv4MinimumSize
	sizeHeaderTCP  = header.TCPMinimumSize
	sizeOptionMSS  = 4
	// MaxTCPOptions is the maximum length of the TCP options field.
	MaxTCPOptions = 40
)

var (
	errNotIPv4         = errors.New("ipv4: bad version")
	errBadIHL          = errors.New("ipv4: bad IHL")
	errBadTotalLen     = errors.New("ipv4: bad total length")
	errFragmented      = errors.New("ipv4: fragmented datagram")
	errBadDataOffset   = errors.New("tcp: bad data offset")
	errNotIPv4Addr     = errors.New("wire: address not IPv4")
	errBadOptionsLen   = errors.New("tcp: options length not multiple of 4 or too long")
	errPayloadMismatch = errors.New("tcp: payload length does not match segment DATALEN")
	errTooLong         = errors.New("ipv4: datagram too long")
)

// IPv4 contains the fields of a parsed IPv4 header relevant to the stack.
type IPv4 struct {
	Src, Dst  netip.Addr
	Protocol  tuntcp.IPProto
	TTL       uint8
	ID        uint16
	HeaderLen int
	TotalLen  int
	// Payload is the transport header and data, aliasing the parsed datagram.
	Payload []byte
}

// Version returns the IP version of a datagram or 0 if it is empty.
func Version(datagram []byte) int {
	if len(datagram) == 0 {
		return 0
	}
	return header.IPVersion(datagram)
}

// ParseIPv4 parses and validates the IPv4 header of datagram. Validation errors
// are accumulated in v; the returned error is v's error. The header checksum is
// verified unless v has [tuntcp.ValidateSkipChecksum] set. Fragments are rejected.
func ParseIPv4(datagram []byte, v *tuntcp.Validator) (IPv4, error) {
	if len(datagram) < sizeHeaderIPv4 {
		v.AddError(tuntcp.ErrShortBuffer)
		return IPv4{}, v.Err()
	}
	h := header.IPv4(datagram)
	hl := int(h.HeaderLength())
	tl := int(h.TotalLength())
	switch {
	case header.IPVersion(datagram) != header.IPv4Version:
		v.AddBytePosErr(0, 1, errNotIPv4)
	case hl < sizeHeaderIPv4 || hl > len(datagram):
		v.AddBytePosErr(0, 1, errBadIHL)
	case tl < hl || tl > len(datagram):
		v.AddBytePosErr(2, 2, errBadTotalLen)
	case h.Flags()&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset() != 0:
		v.AddBytePosErr(6, 2, errFragmented)
	case !v.Flags().Has(tuntcp.ValidateSkipChecksum) && h.CalculateChecksum() != 0xffff:
		v.AddBytePosErr(10, 2, tuntcp.ErrBadCRC)
	}
	if v.HasError() {
		return IPv4{}, v.Err()
	}
	return IPv4{
		Src:       fromTCPIP(h.SourceAddress()),
		Dst:       fromTCPIP(h.DestinationAddress()),
		Protocol:  tuntcp.IPProto(h.Protocol()),
		TTL:       h.TTL(),
		ID:        h.ID(),
		HeaderLen: hl,
		TotalLen:  tl,
		Payload:   datagram[hl:tl],
	}, nil
}

func fromTCPIP(addr tcpip.Address) netip.Addr {
	ip, _ := netip.AddrFromSlice([]byte(addr))
	return ip
}

func toTCPIP(addr netip.Addr) tcpip.Address {
	b := addr.As4()
	return tcpip.Address(b[:])
}
