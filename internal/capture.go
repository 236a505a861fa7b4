package internal

import (
	"log/slog"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Summarize returns a single line human readable description of an IPv4
// datagram, e.g.:
//
//	10.0.0.2:40000->10.0.0.1:80 [SYN,ACK] seq=300 ack=1001 win=4000 len=0
//
// It is used for trace level logging of datagrams entering and leaving the stack.
func Summarize(datagram []byte) string {
	pkt := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil {
		if errl := pkt.ErrorLayer(); errl != nil {
			return "malformed: " + errl.Error().Error()
		}
		return "not IPv4 len=" + strconv.Itoa(len(datagram))
	}
	tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tcp == nil {
		return ip.SrcIP.String() + "->" + ip.DstIP.String() + " proto=" + ip.Protocol.String() + " len=" + strconv.Itoa(int(ip.Length))
	}
	b := make([]byte, 0, 96)
	b = append(b, ip.SrcIP.String()...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(tcp.SrcPort), 10)
	b = append(b, "->"...)
	b = append(b, ip.DstIP.String()...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(tcp.DstPort), 10)
	b = append(b, " ["...)
	b = appendTCPFlags(b, tcp)
	b = append(b, "] seq="...)
	b = strconv.AppendUint(b, uint64(tcp.Seq), 10)
	b = append(b, " ack="...)
	b = strconv.AppendUint(b, uint64(tcp.Ack), 10)
	b = append(b, " win="...)
	b = strconv.AppendUint(b, uint64(tcp.Window), 10)
	b = append(b, " len="...)
	b = strconv.AppendInt(b, int64(len(tcp.Payload)), 10)
	return string(b)
}

// SlogDatagram returns a lazily formatted attribute describing datagram.
func SlogDatagram(key string, datagram []byte) slog.Attr {
	return slog.Any(key, datagramValuer(datagram))
}

type datagramValuer []byte

func (d datagramValuer) LogValue() slog.Value { return slog.StringValue(Summarize(d)) }

func appendTCPFlags(b []byte, tcp *layers.TCP) []byte {
	start := len(b)
	add := func(set bool, name string) {
		if !set {
			return
		}
		if len(b) > start {
			b = append(b, ',')
		}
		b = append(b, name...)
	}
	add(tcp.FIN, "FIN")
	add(tcp.SYN, "SYN")
	add(tcp.RST, "RST")
	add(tcp.PSH, "PSH")
	add(tcp.ACK, "ACK")
	add(tcp.URG, "URG")
	add(tcp.ECE, "ECE")
	add(tcp.CWR, "CWR")
	add(tcp.NS, "NS")
	return b
}
