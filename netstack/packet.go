package netstack

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ErrEmptyPacket      = errors.New("empty packet")
	ErrTruncatedPacket  = errors.New("truncated packet")
	ErrUnknownIPVersion = errors.New("unknown IP version")
)

// PacketInfo is the classification of one raw IP packet: version,
// transport protocol, addresses, and ports when the transport header is
// present.
type PacketInfo struct {
	IsIPv6    bool
	Transport tcpip.TransportProtocolNumber
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	HasPorts  bool
}

// ParsePacket validates a raw IP packet far enough to admit it into the
// stack. IPv4 headers must reach their declared length; IPv6 transport
// headers are assumed to start at the fixed 40-byte offset, extension
// header chains are not walked. A UDP packet whose header does not fit is
// rejected because its destination could never be recovered; a short TCP
// segment is admitted and left to the stack to discard.
func ParsePacket(pkt []byte) (PacketInfo, error) {
	if len(pkt) == 0 {
		return PacketInfo{}, ErrEmptyPacket
	}

	switch pkt[0] >> 4 {
	case 4:
		return parseIPv4Packet(pkt)
	case 6:
		return parseIPv6Packet(pkt)
	default:
		return PacketInfo{}, ErrUnknownIPVersion
	}
}

func parseIPv4Packet(pkt []byte) (PacketInfo, error) {
	if len(pkt) < header.IPv4MinimumSize {
		return PacketInfo{}, ErrTruncatedPacket
	}

	hdr := header.IPv4(pkt)
	hlen := int(hdr.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(pkt) < hlen {
		return PacketInfo{}, ErrTruncatedPacket
	}

	info := PacketInfo{
		Transport: hdr.TransportProtocol(),
		Src:       netip.AddrFrom4(hdr.SourceAddress().As4()),
		Dst:       netip.AddrFrom4(hdr.DestinationAddress().As4()),
	}
	return parseTransport(info, pkt[hlen:])
}

func parseIPv6Packet(pkt []byte) (PacketInfo, error) {
	if len(pkt) < header.IPv6MinimumSize {
		return PacketInfo{}, ErrTruncatedPacket
	}

	hdr := header.IPv6(pkt)
	info := PacketInfo{
		IsIPv6:    true,
		Transport: hdr.TransportProtocol(),
		Src:       netip.AddrFrom16(hdr.SourceAddress().As16()),
		Dst:       netip.AddrFrom16(hdr.DestinationAddress().As16()),
	}
	return parseTransport(info, pkt[header.IPv6MinimumSize:])
}

func parseTransport(info PacketInfo, rest []byte) (PacketInfo, error) {
	switch info.Transport {
	case header.UDPProtocolNumber:
		if len(rest) < header.UDPMinimumSize {
			return PacketInfo{}, ErrTruncatedPacket
		}
		udpHdr := header.UDP(rest)
		info.SrcPort = udpHdr.SourcePort()
		info.DstPort = udpHdr.DestinationPort()
		info.HasPorts = true
	case header.TCPProtocolNumber:
		if len(rest) >= header.TCPMinimumSize {
			tcpHdr := header.TCP(rest)
			info.SrcPort = tcpHdr.SourcePort()
			info.DstPort = tcpHdr.DestinationPort()
			info.HasPorts = true
		}
	}
	return info, nil
}
