// Package ltesto contains helpers for testing the stack against independently
// built and decoded datagrams. Datagrams are built and decoded with gopacket so
// that tests do not validate the wire package against itself.
package ltesto

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/soypat/tuntcp/tcp"
)

// PacketGen generates IPv4 datagrams carrying TCP segments sent from Src to Dst.
type PacketGen struct {
	Src, Dst netip.AddrPort
	// TTL of generated datagrams, 64 if zero.
	TTL uint8
	// BadChecksum corrupts the TCP checksum of generated datagrams.
	BadChecksum bool
	id          uint16
}

// RandomizeAddrs sets random private source and destination addresses and ports.
func (gen *PacketGen) RandomizeAddrs(rng *rand.Rand) {
	var src, dst [4]byte
	rng.Read(src[1:])
	rng.Read(dst[1:])
	src[0], dst[0] = 10, 10
	ports := rng.Uint32()
	gen.Src = netip.AddrPortFrom(netip.AddrFrom4(src), uint16(ports)|1024)
	gen.Dst = netip.AddrPortFrom(netip.AddrFrom4(dst), uint16(ports>>16)|1024)
}

// Reverse returns a generator for datagrams travelling in the opposite direction.
func (gen *PacketGen) Reverse() PacketGen {
	return PacketGen{Src: gen.Dst, Dst: gen.Src, TTL: gen.TTL}
}

// Segment returns a datagram carrying seg and payload. len(payload) must match seg.DATALEN.
func (gen *PacketGen) Segment(seg tcp.Segment, payload []byte) []byte {
	return gen.segment(seg, payload, nil)
}

// SYN returns a datagram carrying a SYN segment announcing mss. If mss is zero
// no MSS option is added.
func (gen *PacketGen) SYN(iss tcp.Value, wnd tcp.Size, mss uint16) []byte {
	var opts []layers.TCPOption
	if mss != 0 {
		opts = append(opts, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   binary.BigEndian.AppendUint16(nil, mss),
		})
	}
	return gen.segment(tcp.Segment{SEQ: iss, WND: wnd, Flags: tcp.FlagSYN}, nil, opts)
}

func (gen *PacketGen) segment(seg tcp.Segment, payload []byte, opts []layers.TCPOption) []byte {
	if seg.WND > math.MaxUint16 {
		panic("TCP segment window overflow")
	} else if len(payload) != int(seg.DATALEN) {
		panic("payload length does not match DATALEN")
	}
	ttl := gen.TTL
	if ttl == 0 {
		ttl = 64
	}
	gen.id++
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       gen.id,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(gen.Src.Addr().AsSlice()),
		DstIP:    net.IP(gen.Dst.Addr().AsSlice()),
	}
	th := &layers.TCP{
		SrcPort: layers.TCPPort(gen.Src.Port()),
		DstPort: layers.TCPPort(gen.Dst.Port()),
		Seq:     uint32(seg.SEQ),
		Window:  uint16(seg.WND),
		FIN:     seg.Flags.HasAny(tcp.FlagFIN),
		SYN:     seg.Flags.HasAny(tcp.FlagSYN),
		RST:     seg.Flags.HasAny(tcp.FlagRST),
		PSH:     seg.Flags.HasAny(tcp.FlagPSH),
		ACK:     seg.Flags.HasAny(tcp.FlagACK),
		URG:     seg.Flags.HasAny(tcp.FlagURG),
		ECE:     seg.Flags.HasAny(tcp.FlagECE),
		CWR:     seg.Flags.HasAny(tcp.FlagCWR),
		NS:      seg.Flags.HasAny(tcp.FlagNS),
		Options: opts,
	}
	if th.ACK {
		th.Ack = uint32(seg.ACK)
	}
	if err := th.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, th, gopacket.Payload(payload))
	if err != nil {
		panic(err)
	}
	b := buf.Bytes()
	if gen.BadChecksum {
		b[20+16] ^= 0xff
	}
	return b
}

// Decoded is a datagram decoded by gopacket.
type Decoded struct {
	IP      *layers.IPv4
	TCP     *layers.TCP
	Seg     tcp.Segment
	Payload []byte
	// MSS announced in options, zero if absent.
	MSS uint16
}

// Src returns the source address and port of the datagram.
func (d *Decoded) Src() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(d.IP.SrcIP.To4())
	return netip.AddrPortFrom(addr, uint16(d.TCP.SrcPort))
}

// Dst returns the destination address and port of the datagram.
func (d *Decoded) Dst() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(d.IP.DstIP.To4())
	return netip.AddrPortFrom(addr, uint16(d.TCP.DstPort))
}

// Decode decodes an IPv4 datagram carrying a TCP segment and verifies both checksums.
func Decode(datagram []byte) (Decoded, error) {
	pkt := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.Default)
	if errl := pkt.ErrorLayer(); errl != nil {
		return Decoded{}, errl.Error()
	}
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	th, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if ip == nil || th == nil {
		return Decoded{}, fmt.Errorf("not an IPv4 TCP datagram: %v", pkt.Layers())
	}
	if int(ip.Length) != len(datagram) {
		return Decoded{}, fmt.Errorf("IPv4 total length %d does not match datagram length %d", ip.Length, len(datagram))
	}
	if got := ipChecksum(datagram[:int(ip.IHL)*4]); got != 0 {
		return Decoded{}, fmt.Errorf("bad IPv4 header checksum %#x", got)
	}
	if !tcpChecksumOK(ip, datagram[int(ip.IHL)*4:]) {
		return Decoded{}, fmt.Errorf("bad TCP checksum %#x", th.Checksum)
	}
	d := Decoded{IP: ip, TCP: th, Payload: th.Payload}
	d.Seg = tcp.Segment{
		SEQ:     tcp.Value(th.Seq),
		ACK:     tcp.Value(th.Ack),
		DATALEN: tcp.Size(len(th.Payload)),
		WND:     tcp.Size(th.Window),
		Flags:   flagsOf(th),
	}
	for _, opt := range th.Options {
		if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) == 2 {
			d.MSS = binary.BigEndian.Uint16(opt.OptionData)
		}
	}
	return d, nil
}

// MustDecode is like [Decode] but panics on error.
func MustDecode(datagram []byte) Decoded {
	d, err := Decode(datagram)
	if err != nil {
		panic(err)
	}
	return d
}

func flagsOf(th *layers.TCP) (flags tcp.Flags) {
	set := func(b bool, f tcp.Flags) {
		if b {
			flags |= f
		}
	}
	set(th.FIN, tcp.FlagFIN)
	set(th.SYN, tcp.FlagSYN)
	set(th.RST, tcp.FlagRST)
	set(th.PSH, tcp.FlagPSH)
	set(th.ACK, tcp.FlagACK)
	set(th.URG, tcp.FlagURG)
	set(th.ECE, tcp.FlagECE)
	set(th.CWR, tcp.FlagCWR)
	set(th.NS, tcp.FlagNS)
	return flags
}

func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func tcpChecksumOK(ip *layers.IPv4, segment []byte) bool {
	var sum uint32
	add := func(b []byte) {
		for i := 0; i < len(b); i += 2 {
			if i+1 < len(b) {
				sum += uint32(binary.BigEndian.Uint16(b[i:]))
			} else {
				sum += uint32(b[i]) << 8
			}
		}
	}
	add(ip.SrcIP.To4())
	add(ip.DstIP.To4())
	sum += uint32(layers.IPProtocolTCP)
	sum += uint32(len(segment))
	add(segment)
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum) == 0xffff
}
