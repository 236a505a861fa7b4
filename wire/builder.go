package wire

import (
	"math"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/soypat/tuntcp/internal"
	"github.com/soypat/tuntcp/tcp"
)

// DefaultTTL is the time to live of datagrams built by a zero value [Builder].
const DefaultTTL = 64

// Builder builds IPv4 datagrams carrying a single TCP segment.
// It is not safe for concurrent use.
type Builder struct {
	// TTL of built datagrams. Zero means [DefaultTTL].
	TTL uint8
	// SkipChecksum leaves the TCP checksum zeroed. The IPv4 header checksum
	// is always computed.
	SkipChecksum bool
	ipID         uint16
}

// AppendSegment appends an IPv4 datagram from local to remote carrying seg to
// dst and returns the extended buffer. opts are the TCP options, which must be
// padded to a multiple of 4 octets. len(payload) must equal seg.DATALEN. The
// window field is seg.WND clamped to 65535 since window scaling is not used.
func (b *Builder) AppendSegment(dst []byte, local, remote netip.AddrPort, seg tcp.Segment, opts, payload []byte) ([]byte, error) {
	switch {
	case !local.Addr().Is4() || !remote.Addr().Is4():
		return dst, errNotIPv4Addr
	case len(opts)%4 != 0 || len(opts) > MaxTCPOptions:
		return dst, errBadOptionsLen
	case len(payload) != int(seg.DATALEN):
		return dst, errPayloadMismatch
	}
	tcpLen := sizeHeaderTCP + len(opts) + len(payload)
	total := sizeHeaderIPv4 + tcpLen
	if total > math.MaxUint16 {
		return dst, errTooLong
	}
	off := len(dst)
	dst = append(dst, make([]byte, total)...)
	datagram := dst[off:]

	ttl := b.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	ip := header.IPv4(datagram[:sizeHeaderIPv4])
	ip.Encode(&header.IPv4Fields{
		IHL:         sizeHeaderIPv4,
		TotalLength: uint16(total),
		ID:          b.nextID(),
		Flags:       header.IPv4FlagDontFragment,
		TTL:         ttl,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     toTCPIP(local.Addr()),
		DstAddr:     toTCPIP(remote.Addr()),
	})

	var ack uint32
	if seg.Flags.HasAny(tcp.FlagACK) {
		ack = uint32(seg.ACK)
	}
	th := header.TCP(datagram[sizeHeaderIPv4:])
	th.Encode(&header.TCPFields{
		SrcPort:    local.Port(),
		DstPort:    remote.Port(),
		SeqNum:     uint32(seg.SEQ),
		AckNum:     ack,
		DataOffset: uint8(sizeHeaderTCP + len(opts)),
		Flags:      uint8(seg.Flags),
		WindowSize: uint16(min(seg.WND, math.MaxUint16)),
	})
	if seg.Flags.HasAny(tcp.FlagNS) {
		th[12] |= 1
	}
	copy(th[sizeHeaderTCP:], opts)
	copy(th[sizeHeaderTCP+len(opts):], payload)

	ip.SetChecksum(^ip.CalculateChecksum())
	if !b.SkipChecksum {
		xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, toTCPIP(local.Addr()), toTCPIP(remote.Addr()), uint16(tcpLen))
		xsum = header.Checksum(payload, xsum)
		th.SetChecksum(^th.CalculateChecksum(xsum))
	}
	return dst, nil
}

// AppendReset appends a RST datagram answering a segment received from remote
// that does not belong to any connection, following RFC 9293 section 3.10.7.1:
//
//	If the ACK bit is off:  <SEQ=0><ACK=SEG.SEQ+SEG.LEN><CTL=RST,ACK>
//	If the ACK bit is on:   <SEQ=SEG.ACK><CTL=RST>
func (b *Builder) AppendReset(dst []byte, local, remote netip.AddrPort, received tcp.Segment) ([]byte, error) {
	var rst tcp.Segment
	if received.Flags.HasAny(tcp.FlagACK) {
		rst = tcp.Segment{SEQ: received.ACK, Flags: tcp.FlagRST}
	} else {
		rst = tcp.Segment{SEQ: 0, ACK: tcp.Add(received.SEQ, received.LEN()), Flags: tcp.FlagRST | tcp.FlagACK}
	}
	return b.AppendSegment(dst, local, remote, rst, nil, nil)
}

func (b *Builder) nextID() uint16 {
	if b.ipID == 0 {
		b.ipID = 0x1337
	}
	b.ipID = internal.Prand16(b.ipID)
	return b.ipID
}
