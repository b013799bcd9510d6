package netstack

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/argsment/anywhere-core/internal/telemetry"
	"github.com/argsment/anywhere-core/logger"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	// tcpKeepaliveCount is the maximum number of
	// TCP keep-alive probes to send before giving up
	// and killing the connection if no response is
	// obtained from the other end.
	tcpKeepaliveCount = 9

	// tcpKeepaliveIdle specifies the time a connection
	// must remain idle before the first TCP keepalive
	// packet is sent. Once this time is reached,
	// tcpKeepaliveInterval option is used instead.
	tcpKeepaliveIdle = 60 * time.Second

	// tcpKeepaliveInterval specifies the interval
	// time between sending TCP keepalive packets.
	tcpKeepaliveInterval = 30 * time.Second

	// recvChunkSize caps how much is pulled out of the endpoint per
	// OnReceive delivery.
	recvChunkSize = 32 * 1024

	// initialRecvCredit is the receive credit a new flow starts with.
	// Delivery pauses once the handle falls this far behind on
	// MarkReceived; unread bytes stay in the endpoint and close the
	// advertised window.
	initialRecvCredit = 64 * 1024
)

// Transport identifies the flow's transport protocol.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// FlowKey identifies one flow by its original 4-tuple as seen on the
// tunnel: Src is the local peer that opened the connection, Dst the
// destination the catch-all interception terminated on its behalf.
type FlowKey struct {
	Src       netip.Addr
	SrcPort   uint16
	Dst       netip.Addr
	DstPort   uint16
	IsIPv6    bool
	Transport Transport
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", k.Transport, k.Src, k.SrcPort, k.Dst, k.DstPort)
}

// flowKeyFromID builds a FlowKey from a transport endpoint ID. The ID's
// remote side is the initiating peer; the local side carries the original
// destination, which is the whole point of terminating in promiscuous
// mode.
func flowKeyFromID(id stack.TransportEndpointID, isIPv6 bool, transport Transport) FlowKey {
	var src, dst netip.Addr
	if isIPv6 {
		src = netip.AddrFrom16(id.RemoteAddress.As16())
		dst = netip.AddrFrom16(id.LocalAddress.As16())
	} else {
		src = netip.AddrFrom4(id.RemoteAddress.As4())
		dst = netip.AddrFrom4(id.LocalAddress.As4())
	}
	return FlowKey{
		Src:       src,
		SrcPort:   id.RemotePort,
		Dst:       dst,
		DstPort:   id.LocalPort,
		IsIPv6:    isIPv6,
		Transport: transport,
	}
}

// Flow is one accepted TCP connection. Operations are safe to call from
// any goroutine; events arrive on the attached FlowHandle from the
// bridge's dispatch goroutine.
type Flow struct {
	bridge *Bridge
	key    FlowKey
	ep     tcpip.Endpoint
	wq     *waiter.Queue
	entry  waiter.Entry

	mu           sync.Mutex
	handle       FlowHandle
	closed       bool // handle detached itself via Close/Abort
	errDelivered bool
	eofDelivered bool
	credit       int
	pendingSent  int
}

// Key returns the flow's original 4-tuple.
func (f *Flow) Key() FlowKey { return f.key }

// Write enqueues data on the send buffer. The whole payload is accepted or
// none of it: ErrSendBufferFull means retry after the next OnSent.
func (f *Flow) Write(data []byte) error {
	f.mu.Lock()
	if f.closed || f.errDelivered {
		f.mu.Unlock()
		return ErrFlowClosed
	}
	f.mu.Unlock()

	n, tcpipErr := f.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{Atomic: true})
	switch tcpipErr.(type) {
	case nil:
	case *tcpip.ErrWouldBlock:
		return ErrSendBufferFull
	case *tcpip.ErrClosedForSend, *tcpip.ErrConnectionReset, *tcpip.ErrConnectionAborted:
		return ErrFlowClosed
	default:
		return fmt.Errorf("flow write: %s", tcpipErr)
	}

	f.mu.Lock()
	f.pendingSent += int(n)
	f.mu.Unlock()
	return nil
}

// Flush is a no-op: segments are handed to the network as they are
// queued. Kept so callers can pair it with Write unconditionally.
func (f *Flow) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.errDelivered {
		return ErrFlowClosed
	}
	return nil
}

// SendBufferAvailable returns how many bytes Write can currently accept.
func (f *Flow) SendBufferAvailable() int {
	f.mu.Lock()
	if f.closed || f.errDelivered {
		f.mu.Unlock()
		return 0
	}
	f.mu.Unlock()
	return f.sendBufferAvailableLocked()
}

// MarkReceived returns n bytes of receive credit after the handle consumed
// them, resuming delivery if it was paused.
func (f *Flow) MarkReceived(n int) error {
	f.mu.Lock()
	if f.closed || f.errDelivered {
		f.mu.Unlock()
		return ErrFlowClosed
	}
	f.credit += n
	f.mu.Unlock()

	f.bridge.dispatch(f.drainRecv)
	return nil
}

// Close tears the flow down gracefully. No further events are delivered to
// the handle; the endpoint finishes its close handshake on its own and
// falls back to a reset if it cannot.
func (f *Flow) Close() error {
	return f.teardown(false)
}

// Abort resets the flow immediately. No further events are delivered.
func (f *Flow) Abort() error {
	return f.teardown(true)
}

func (f *Flow) teardown(abort bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFlowClosed
	}
	f.closed = true
	f.handle = nil
	f.mu.Unlock()

	f.wq.EventUnregister(&f.entry)
	f.bridge.dispatch(func() { f.bridge.removeFlow(f) })

	if abort {
		f.ep.Abort()
	} else {
		f.ep.Close()
	}
	return nil
}

// attach binds the handle and registers for endpoint events. Dispatch
// goroutine only, called once right after HandleFlow accepted the flow.
func (f *Flow) attach(handle FlowHandle) {
	f.mu.Lock()
	f.handle = handle
	f.credit = initialRecvCredit
	f.mu.Unlock()

	f.entry = waiter.NewFunctionEntry(
		waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp|waiter.EventErr,
		func(waiter.EventMask) {
			f.bridge.dispatch(f.onEvent)
		})
	f.wq.EventRegister(&f.entry)

	// Data may have arrived between accept and registration.
	f.drainRecv()
}

// onEvent reacts to endpoint readiness. Dispatch goroutine only.
func (f *Flow) onEvent() {
	f.notifySent()
	f.drainRecv()
}

// notifySent reports bytes drained from the send buffer. Dispatch
// goroutine only.
func (f *Flow) notifySent() {
	f.mu.Lock()
	if f.closed || f.errDelivered || f.pendingSent == 0 {
		f.mu.Unlock()
		return
	}
	avail := f.sendBufferAvailableLocked()
	n := f.pendingSent
	if avail == 0 {
		f.mu.Unlock()
		return
	}
	f.pendingSent = 0
	h := f.handle
	f.mu.Unlock()
	if h != nil {
		h.OnSent(n)
	}
}

// sendBufferAvailableLocked mirrors SendBufferAvailable for callers already
// holding f.mu.
func (f *Flow) sendBufferAvailableLocked() int {
	size := f.ep.SocketOptions().GetSendBufferSize()
	used, tcpipErr := f.ep.GetSockOptInt(tcpip.SendQueueSizeOption)
	if tcpipErr != nil {
		return 0
	}
	avail := int(size) - used
	if avail < 0 {
		avail = 0
	}
	return avail
}

// drainRecv delivers received data to the handle while credit lasts.
// Dispatch goroutine only.
func (f *Flow) drainRecv() {
	for {
		f.mu.Lock()
		if f.closed || f.errDelivered || f.eofDelivered {
			f.mu.Unlock()
			return
		}
		limit := f.credit
		h := f.handle
		f.mu.Unlock()
		if h == nil || limit <= 0 {
			return
		}
		if limit > recvChunkSize {
			limit = recvChunkSize
		}

		var buf bytes.Buffer
		w := tcpip.LimitedWriter{W: &buf, N: int64(limit)}
		_, tcpipErr := f.ep.Read(&w, tcpip.ReadOptions{})
		if tcpipErr != nil {
			switch tcpipErr.(type) {
			case *tcpip.ErrWouldBlock:
			case *tcpip.ErrClosedForReceive:
				f.deliverEOF()
			default:
				f.fail(fmt.Errorf("flow receive: %s", tcpipErr))
			}
			return
		}

		data := buf.Bytes()
		if len(data) == 0 {
			return
		}
		f.mu.Lock()
		f.credit -= len(data)
		f.mu.Unlock()
		h.OnReceive(data)
	}
}

// deliverEOF signals graceful remote close exactly once. The flow stays
// writable until the handle closes it. Dispatch goroutine only.
func (f *Flow) deliverEOF() {
	f.mu.Lock()
	if f.closed || f.errDelivered || f.eofDelivered {
		f.mu.Unlock()
		return
	}
	f.eofDelivered = true
	h := f.handle
	f.mu.Unlock()
	if h != nil {
		h.OnReceive(nil)
	}
}

// fail delivers OnError exactly once and reclaims the endpoint. Dispatch
// goroutine only.
func (f *Flow) fail(err error) {
	f.mu.Lock()
	if f.closed || f.errDelivered {
		f.mu.Unlock()
		return
	}
	f.errDelivered = true
	h := f.handle
	f.handle = nil
	f.mu.Unlock()

	f.wq.EventUnregister(&f.entry)
	f.bridge.removeFlow(f)
	f.ep.Abort()
	telemetry.FlowErrored()
	if h != nil {
		h.OnError(err)
	}
}

// shutdown is the bridge-close path: notify an attached handle exactly
// once, discard detached flows silently. Dispatch goroutine only; the
// caller already removed the flow from the table.
func (f *Flow) shutdown(err error) {
	f.mu.Lock()
	if f.closed || f.errDelivered {
		f.mu.Unlock()
		f.ep.Abort()
		return
	}
	f.errDelivered = true
	h := f.handle
	f.handle = nil
	f.mu.Unlock()

	f.wq.EventUnregister(&f.entry)
	f.ep.Abort()
	telemetry.FlowErrored()
	if h != nil {
		h.OnError(err)
	}
}

// sweep reclaims flows whose endpoints finished their close handshake
// while the handle never noticed. Dispatch goroutine only.
func (f *Flow) sweep() {
	switch tcp.EndpointState(f.ep.State()) {
	case tcp.StateClose, tcp.StateTimeWait:
		f.mu.Lock()
		done := f.eofDelivered || f.closed
		f.mu.Unlock()
		if done {
			f.wq.EventUnregister(&f.entry)
			f.bridge.removeFlow(f)
			f.ep.Close()
		}
	}
}

// installTCPHandler installs the catch-all TCP forwarder: every SYN for
// any destination address/port completes a handshake against the stack and
// surfaces as one HandleFlow call.
func (b *Bridge) installTCPHandler() {
	fwd := tcp.NewForwarder(b.stack, defaultWndSize, maxConnAttempts, func(r *tcp.ForwarderRequest) {
		var wq waiter.Queue
		id := r.ID()

		ep, tcpipErr := r.CreateEndpoint(&wq)
		if tcpipErr != nil {
			// RST: prevent potential half-open TCP connection leak
			r.Complete(true)
			return
		}
		r.Complete(false)

		setTCPSocketOptions(b.stack, ep)

		isIPv6 := id.LocalAddress.Len() == 16
		f := &Flow{
			bridge: b,
			key:    flowKeyFromID(id, isIPv6, TransportTCP),
			ep:     ep,
			wq:     &wq,
		}
		b.dispatch(func() { b.acceptFlow(f) })
	})
	b.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
}

// acceptFlow hands a completed connection to the Handler. Dispatch
// goroutine only.
func (b *Bridge) acceptFlow(f *Flow) {
	if old, ok := b.flows[f.key]; ok {
		// A reused 4-tuple means the previous incarnation is gone: tear
		// it down like a bridge close so an attached handle still gets
		// its one teardown notification and the endpoint is reclaimed.
		b.removeFlow(old)
		old.shutdown(ErrFlowReplaced)
	}

	handle := b.cfg.Handler.HandleFlow(f.key, f)
	if handle == nil {
		logger.Debug("Flow rejected: %s", f.key)
		f.ep.Abort()
		return
	}

	b.flows[f.key] = f
	telemetry.FlowOpened()
	logger.Debug("Flow accepted: %s", f.key)
	f.attach(handle)
}

// setTCPSocketOptions sets TCP socket options for better performance
func setTCPSocketOptions(s *stack.Stack, ep tcpip.Endpoint) {
	// TCP keepalive options
	ep.SocketOptions().SetKeepAlive(true)

	idle := tcpip.KeepaliveIdleOption(tcpKeepaliveIdle)
	ep.SetSockOpt(&idle)

	interval := tcpip.KeepaliveIntervalOption(tcpKeepaliveInterval)
	ep.SetSockOpt(&interval)

	ep.SetSockOptInt(tcpip.KeepaliveCountOption, tcpKeepaliveCount)

	// TCP send/recv buffer size
	var ss tcpip.TCPSendBufferSizeRangeOption
	if err := s.TransportProtocolOption(tcp.ProtocolNumber, &ss); err == nil {
		ep.SocketOptions().SetSendBufferSize(int64(ss.Default), false)
	}

	var rs tcpip.TCPReceiveBufferSizeRangeOption
	if err := s.TransportProtocolOption(tcp.ProtocolNumber, &rs); err == nil {
		ep.SocketOptions().SetReceiveBufferSize(int64(rs.Default), false)
	}
}
