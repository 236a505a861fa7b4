package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/soypat/tuntcp"
	"github.com/soypat/tuntcp/tcp"
)

// TCP contains the fields of a parsed TCP header.
type TCP struct {
	SrcPort, DstPort uint16
	Seq, Ack         tcp.Value
	Flags            tcp.Flags
	Window           uint16
	Urgent           uint16
	HeaderLen        int
	// Options and Payload alias the parsed buffer.
	Options []byte
	Payload []byte
}

// ParseTCP parses and validates a TCP header. Validation errors are
// accumulated in v; the returned error is v's error. The checksum is not
// verified since it requires the IP pseudo header, see [VerifyTCPChecksum].
func ParseTCP(b []byte, v *tuntcp.Validator) (TCP, error) {
	if len(b) < sizeHeaderTCP {
		v.AddError(tuntcp.ErrShortBuffer)
		return TCP{}, v.Err()
	}
	h := header.TCP(b)
	off := int(h.DataOffset())
	if off < sizeHeaderTCP || off > len(b) {
		v.AddBytePosErr(12, 1, errBadDataOffset)
		return TCP{}, v.Err()
	}
	return TCP{
		SrcPort:   h.SourcePort(),
		DstPort:   h.DestinationPort(),
		Seq:       tcp.Value(h.SequenceNumber()),
		Ack:       tcp.Value(h.AckNumber()),
		Flags:     tcp.Flags(h.Flags()) | tcp.Flags(b[12]&1)<<8,
		Window:    h.WindowSize(),
		Urgent:    binary.BigEndian.Uint16(b[header.TCPUrgentPtrOffset:]),
		HeaderLen: off,
		Options:   b[sizeHeaderTCP:off],
		Payload:   b[off:],
	}, nil
}

// Segment returns the sequence space representation of the header.
func (h *TCP) Segment() tcp.Segment {
	return tcp.Segment{
		SEQ:     h.Seq,
		ACK:     h.Ack,
		DATALEN: tcp.Size(len(h.Payload)),
		WND:     tcp.Size(h.Window),
		Flags:   h.Flags,
	}
}

// MSS returns the maximum segment size announced in the options of a SYN segment.
// It returns [tcp.DefaultMSS] if the option is absent and 0 if the segment is not a SYN.
func (h *TCP) MSS() uint16 {
	if !h.Flags.HasAny(tcp.FlagSYN) {
		return 0
	}
	opts := header.ParseSynOptions(h.Options, h.Flags.HasAny(tcp.FlagACK))
	if opts.MSS == 0 {
		return tcp.DefaultMSS
	}
	return opts.MSS
}

// AppendMSSOption appends a maximum segment size option to dst.
func AppendMSSOption(dst []byte, mss uint16) []byte {
	return append(dst, header.TCPOptionMSS, sizeOptionMSS, byte(mss>>8), byte(mss))
}

// VerifyTCPChecksum returns true if the checksum of the TCP segment carried
// between src and dst is valid.
func VerifyTCPChecksum(src, dst netip.Addr, segment []byte) bool {
	if len(segment) < sizeHeaderTCP {
		return false
	}
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, toTCPIP(src), toTCPIP(dst), uint16(len(segment)))
	return header.Checksum(segment, xsum) == 0xffff
}

// Datagram is a parsed IPv4 datagram carrying a TCP segment.
type Datagram struct {
	IP  IPv4
	TCP TCP
}

// ParseDatagram parses an IPv4 datagram carrying a TCP segment and verifies the
// TCP checksum unless v has [tuntcp.ValidateSkipChecksum] set. Datagrams that
// do not carry TCP return [tuntcp.ErrUnsupported].
func ParseDatagram(datagram []byte, v *tuntcp.Validator) (Datagram, error) {
	ip, err := ParseIPv4(datagram, v)
	if err != nil {
		return Datagram{}, err
	}
	if ip.Protocol != tuntcp.IPProtoTCP {
		return Datagram{IP: ip}, tuntcp.ErrUnsupported
	}
	th, err := ParseTCP(ip.Payload, v)
	if err != nil {
		return Datagram{IP: ip}, err
	}
	if !v.Flags().Has(tuntcp.ValidateSkipChecksum) && !VerifyTCPChecksum(ip.Src, ip.Dst, ip.Payload) {
		v.AddBytePosErr(ip.HeaderLen+16, 2, tuntcp.ErrBadCRC)
		return Datagram{IP: ip}, v.Err()
	}
	return Datagram{IP: ip, TCP: th}, nil
}

// Local returns the address and port of the receiving end of the datagram.
func (d *Datagram) Local() netip.AddrPort { return netip.AddrPortFrom(d.IP.Dst, d.TCP.DstPort) }

// Remote returns the address and port of the sending end of the datagram.
func (d *Datagram) Remote() netip.AddrPort { return netip.AddrPortFrom(d.IP.Src, d.TCP.SrcPort) }
