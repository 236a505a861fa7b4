// Package tuntcp implements the Transmission Control Protocol in user space
// over a virtual point-to-point interface. Raw IPv4 datagrams are read from a
// TUN device, demultiplexed to connections by their 4-tuple and answered with
// IPv4 datagrams built entirely by this module.
//
// The packages are layered as follows:
//
//	tcp    sequence space arithmetic, acceptability test and connection state machine.
//	wire   IPv4 and TCP header parsing and datagram building.
//	link   packet transports: TUN device, raw socket and in-memory channel.
//	stack  connection table, demultiplexer, timers and the application facing Conn.
//	config YAML configuration of a stack and its transport.
package tuntcp

import "strconv"

// IPProto represents the IP protocol number.
type IPProto uint8

// IP protocol numbers relevant to the stack.
const (
	IPProtoICMP IPProto = 1  // ICMP
	IPProtoTCP  IPProto = 6  // TCP
	IPProtoUDP  IPProto = 17 // UDP
)

func (proto IPProto) String() string {
	switch proto {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	}
	return "IPProto(" + strconv.Itoa(int(proto)) + ")"
}
