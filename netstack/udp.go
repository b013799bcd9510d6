package netstack

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/argsment/anywhere-core/internal/telemetry"
	"github.com/argsment/anywhere-core/logger"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// installUDPHandler installs a raw transport handler that consumes every
// UDP datagram no endpoint claims, which in promiscuous mode is all of
// them. There is no persistent flow object for UDP: each datagram is
// delivered on its own, carrying the original destination recovered from
// the endpoint ID.
func (b *Bridge) installUDPHandler() {
	b.stack.SetTransportProtocolHandler(udp.ProtocolNumber,
		func(id stack.TransportEndpointID, pkt *stack.PacketBuffer) bool {
			isIPv6 := pkt.NetworkProtocolNumber == ipv6.ProtocolNumber

			// The packet buffer is released when this handler returns;
			// ToSlice copies the payload out.
			payload := pkt.Data().AsRange().ToSlice()

			dgram := Datagram{
				Key:     flowKeyFromID(id, isIPv6, TransportUDP),
				Payload: payload,
			}
			telemetry.DatagramIn()
			b.dispatch(func() {
				b.cfg.Handler.HandleDatagram(dgram)
			})
			return true
		})
}

// SendDatagram transmits one UDP datagram through the tunnel using the
// key's Dst as destination and its Src as the spoofed source, the usual
// way to answer an intercepted datagram on behalf of the remote peer. A
// one-shot endpoint is bound to the source and discarded after the send;
// spoofing on the NIC makes the source override stick without a routing
// lookup for it.
func (b *Bridge) SendDatagram(dgram Datagram) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}

	netProto := ipv4.ProtocolNumber
	if dgram.Key.IsIPv6 {
		netProto = ipv6.ProtocolNumber
	}

	var wq waiter.Queue
	ep, tcpipErr := b.stack.NewEndpoint(udp.ProtocolNumber, netProto, &wq)
	if tcpipErr != nil {
		telemetry.SendFailure()
		return fmt.Errorf("udp endpoint: %s", tcpipErr)
	}
	defer ep.Close()

	src := tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFromNetip(dgram.Key.Src),
		Port: dgram.Key.SrcPort,
	}
	if tcpipErr := ep.Bind(src); tcpipErr != nil {
		telemetry.SendFailure()
		return fmt.Errorf("udp bind %s:%d: %s", dgram.Key.Src, dgram.Key.SrcPort, tcpipErr)
	}

	dst := tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFromNetip(dgram.Key.Dst),
		Port: dgram.Key.DstPort,
	}
	if _, tcpipErr := ep.Write(bytes.NewReader(dgram.Payload), tcpip.WriteOptions{To: &dst}); tcpipErr != nil {
		telemetry.SendFailure()
		logger.Debug("Datagram send failed: %s -> %s:%d: %s",
			dgram.Key.Src, dgram.Key.Dst, dgram.Key.DstPort, tcpipErr)
		return fmt.Errorf("udp write: %s", tcpipErr)
	}

	telemetry.DatagramOut()
	return nil
}

func addrFromNetip(a netip.Addr) tcpip.Address {
	if a.Is4() {
		return tcpip.AddrFrom4(a.As4())
	}
	return tcpip.AddrFrom16(a.As16())
}
