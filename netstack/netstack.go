// Package netstack bridges raw IP packets from a tunnel device onto a
// userspace TCP/IP stack that terminates every flow locally, regardless of
// destination address or port. Accepted flows and datagrams are handed to a
// Handler owned by the relay layer; everything the relay writes back comes
// out of the bridge as raw IP packets again.
//
// All handler callbacks are delivered from a single dispatch goroutine, in
// order, exactly once per event. The entry points (InjectPacket, flow
// operations, SendDatagram, CheckTimeouts, Close) are safe to call from any
// goroutine.
package netstack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/argsment/anywhere-core/internal/telemetry"
	"github.com/argsment/anywhere-core/logger"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	// nicID is the single NIC backing the bridge. The NIC runs in
	// promiscuous mode with spoofing enabled so it terminates traffic for
	// any destination and answers from any source.
	nicID = 1

	// defaultWndSize if set to zero, the default
	// receive window buffer size is used instead.
	defaultWndSize = 0

	// maxConnAttempts specifies the maximum number
	// of in-flight tcp connection attempts.
	maxConnAttempts = 2 << 10

	// channelQueueLen bounds outgoing packets queued on the link endpoint.
	channelQueueLen = 1024

	// taskQueueLen bounds pending dispatch tasks.
	taskQueueLen = 1024
)

var (
	// ErrSendBufferFull is returned by Flow.Write when the send buffer
	// cannot accept the whole payload. Retry after the next OnSent.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrFlowClosed is returned by flow operations after Close, Abort, or
	// OnError invalidated the flow.
	ErrFlowClosed = errors.New("flow closed")

	// ErrBridgeClosed is delivered to active flow handles when the bridge
	// shuts down, and returned by bridge operations afterwards.
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrFlowReplaced is delivered to a flow handle when a new connection
	// reuses its 4-tuple, which means the previous incarnation is gone.
	ErrFlowReplaced = errors.New("flow replaced")
)

// Handler receives accepted flows and datagrams. Implemented by the relay
// layer. Both methods are called from the bridge's dispatch goroutine and
// must not block.
type Handler interface {
	// HandleFlow is called once per accepted TCP connection with the
	// original 4-tuple. Returning nil aborts the nascent connection and no
	// further events fire for it. A non-nil FlowHandle is bound to the
	// flow for the rest of its life.
	HandleFlow(key FlowKey, flow *Flow) FlowHandle

	// HandleDatagram is called once per inbound UDP datagram. The payload
	// is owned by the callee.
	HandleDatagram(dgram Datagram)
}

// FlowHandle receives events for one accepted flow. All methods are called
// from the dispatch goroutine.
type FlowHandle interface {
	// OnReceive delivers received bytes. A nil slice signals graceful
	// remote close and is delivered exactly once. The buffer is only
	// valid for the duration of the call.
	OnReceive(data []byte)

	// OnSent reports bytes drained from the send buffer since the last
	// notification, enabling write pacing: retry a failed Write here.
	OnSent(n int)

	// OnError reports that the flow was aborted or reset. The flow is
	// invalid afterwards; fired exactly once and never after the handle
	// initiated teardown itself.
	OnError(err error)
}

// Datagram is one UDP datagram with its original addressing, including the
// destination the catch-all interception would otherwise erase.
type Datagram struct {
	Key     FlowKey
	Payload []byte
}

// Config configures a Bridge. Output and Handler are required.
type Config struct {
	// MTU of the tunnel device.
	MTU int

	// Output is invoked from the dispatch goroutine with each outgoing IP
	// packet to be written to the tunnel device. The buffer is only valid
	// for the duration of the call.
	Output func(pkt []byte, isIPv6 bool)

	// Handler receives flows and datagrams.
	Handler Handler
}

// Bridge owns the stack, the link endpoint, the flow table, and the
// dispatch goroutine that serializes all externally visible callbacks.
type Bridge struct {
	cfg          Config
	stack        *stack.Stack
	ep           *channel.Endpoint
	notifyHandle *channel.NotificationHandle

	tasks chan func()
	done  chan struct{}

	// flows is only touched from the dispatch goroutine.
	flows map[FlowKey]*Flow

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBridge creates a bridge, installs the catch-all TCP and UDP handlers,
// and starts the dispatch goroutine.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Output == nil {
		return nil, errors.New("netstack: Config.Output is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("netstack: Config.Handler is required")
	}
	if cfg.MTU <= 0 {
		return nil, fmt.Errorf("netstack: invalid MTU %d", cfg.MTU)
	}

	b := &Bridge{
		cfg:   cfg,
		ep:    channel.New(channelQueueLen, uint32(cfg.MTU), ""),
		tasks: make(chan func(), taskQueueLen),
		done:  make(chan struct{}),
		flows: make(map[FlowKey]*Flow),
		stack: stack.New(stack.Options{
			NetworkProtocols: []stack.NetworkProtocolFactory{
				ipv4.NewProtocol,
				ipv6.NewProtocol,
			},
			TransportProtocols: []stack.TransportProtocolFactory{
				tcp.NewProtocol,
				udp.NewProtocol,
			},
		}),
	}

	b.notifyHandle = b.ep.AddNotify(b)

	if tcpipErr := b.stack.CreateNICWithOptions(nicID, b.ep, stack.NICOptions{}); tcpipErr != nil {
		b.stack.Close()
		return nil, fmt.Errorf("netstack: CreateNIC: %s", tcpipErr)
	}

	// Promiscuous mode accepts packets for any destination IP; spoofing
	// lets flow replies and datagram sends originate from any source IP.
	// Together they are the catch-all interception.
	if tcpipErr := b.stack.SetPromiscuousMode(nicID, true); tcpipErr != nil {
		b.stack.Close()
		return nil, fmt.Errorf("netstack: SetPromiscuousMode: %s", tcpipErr)
	}
	if tcpipErr := b.stack.SetSpoofing(nicID, true); tcpipErr != nil {
		b.stack.Close()
		return nil, fmt.Errorf("netstack: SetSpoofing: %s", tcpipErr)
	}

	b.stack.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: nicID})
	b.stack.AddRoute(tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: nicID})

	b.installTCPHandler()
	b.installUDPHandler()

	b.wg.Add(1)
	go b.run()

	return b, nil
}

// run is the dispatch loop. Every handler callback and every piece of
// flow-table bookkeeping executes here.
func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.tasks:
			fn()
		case <-b.done:
			return
		}
	}
}

// dispatch queues fn onto the dispatch goroutine. Tasks queued after Close
// are discarded.
func (b *Bridge) dispatch(fn func()) {
	select {
	case b.tasks <- fn:
	case <-b.done:
	}
}

// InjectPacket feeds one raw IP packet from the tunnel device into the
// stack. Malformed packets are dropped and logged, never fatal. The buffer
// may be reused by the caller once InjectPacket returns.
func (b *Bridge) InjectPacket(pkt []byte) {
	info, err := ParsePacket(pkt)
	if err != nil {
		logger.Debug("Ingress drop: %v", err)
		telemetry.PacketDropped(dropReason(err))
		return
	}

	proto := ipv4.ProtocolNumber
	if info.IsIPv6 {
		proto = ipv6.ProtocolNumber
	}

	data := make([]byte, len(pkt))
	copy(data, pkt)

	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(data),
	})
	b.ep.InjectInbound(proto, pkb)
	pkb.DecRef()

	telemetry.PacketIngress(len(pkt))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyPacket):
		return "empty"
	case errors.Is(err, ErrTruncatedPacket):
		return "truncated"
	case errors.Is(err, ErrUnknownIPVersion):
		return "bad_version"
	default:
		return "malformed"
	}
}

// WriteNotify implements channel.Notification. The link endpoint calls it
// when the stack has produced outgoing packets.
func (b *Bridge) WriteNotify() {
	b.dispatch(b.drainOutgoing)
}

// drainOutgoing moves queued outgoing packets to the tunnel device,
// coalescing each packet into one contiguous buffer.
func (b *Bridge) drainOutgoing() {
	for {
		pkt := b.ep.Read()
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()

		data := view.AsSlice()
		if len(data) == 0 {
			continue
		}
		isIPv6 := data[0]>>4 == 6
		telemetry.PacketEgress(len(data))
		b.cfg.Output(data, isIPv6)
	}
}

// CheckTimeouts runs periodic housekeeping. The stack drives its own
// retransmission timers; this sweep reclaims flows whose endpoints reached
// a terminal state without a pending notification, which happens when both
// sides finished their close handshake. Call it on a steady interval from
// an external timer.
func (b *Bridge) CheckTimeouts() {
	b.dispatch(func() {
		for _, f := range b.flows {
			f.sweep()
		}
	})
}

// removeFlow drops a flow from the table. Dispatch goroutine only.
func (b *Bridge) removeFlow(f *Flow) {
	if _, ok := b.flows[f.key]; ok {
		delete(b.flows, f.key)
		telemetry.FlowClosed()
	}
}

// Close shuts the bridge down. Every flow still holding a handle receives
// OnError(ErrBridgeClosed) exactly once; flows already detached by their
// handles are discarded silently. The stack and link endpoint are torn
// down and the dispatch goroutine exits.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		fin := make(chan struct{})
		b.dispatch(func() {
			for _, f := range b.flows {
				delete(b.flows, f.key)
				telemetry.FlowClosed()
				f.shutdown(ErrBridgeClosed)
			}
			close(fin)
		})
		select {
		case <-fin:
		case <-b.done:
		}

		close(b.done)
		b.wg.Wait()

		b.ep.RemoveNotify(b.notifyHandle)
		b.stack.RemoveNIC(nicID)
		b.stack.Close()
		b.ep.Close()
		logger.Info("Bridge closed")
	})
	return nil
}
