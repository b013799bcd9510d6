// Package relay is the reference session manager: it implements the
// bridge's Handler contract by opening one upstream VLESS connection per
// intercepted TCP flow and one per UDP conversation, camouflaged as
// browser TLS toward the relay server.
package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/argsment/anywhere-core/logger"
	"github.com/argsment/anywhere-core/netstack"
	"github.com/argsment/anywhere-core/tlslayer"
	"github.com/argsment/anywhere-core/vless"
)

const (
	// connectTimeout bounds the upstream dial plus TLS handshake.
	connectTimeout = 10 * time.Second

	// udpIdleTimeout reclaims a UDP conversation with no traffic in
	// either direction.
	udpIdleTimeout = 60 * time.Second
)

// Dialer produces an established (already camouflaged) connection to the
// relay server, ready for the VLESS handshake.
type Dialer func() (net.Conn, error)

// Config configures a Relay.
type Config struct {
	// ServerAddr is the relay server as host:port.
	ServerAddr string

	// UUID is the VLESS account identity.
	UUID string

	// TLS configures the camouflage layer.
	TLS tlslayer.Conf

	// Dial overrides the upstream dialer; when nil, a TCP dial wrapped in
	// the camouflage TLS client is used. Tests substitute pipes here.
	Dial Dialer
}

// Relay proxies intercepted flows to the upstream server. It implements
// netstack.Handler.
type Relay struct {
	cfg    Config
	client *vless.Client
	dial   Dialer

	mu       sync.Mutex
	bridge   *netstack.Bridge
	sessions map[netstack.FlowKey]*udpSession
	closed   bool
}

// New builds a relay. Bind must be called with the bridge before UDP
// replies can be sent.
func New(cfg Config) (*Relay, error) {
	client, err := vless.NewClient(cfg.UUID)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	r := &Relay{
		cfg:      cfg,
		client:   client,
		sessions: make(map[netstack.FlowKey]*udpSession),
	}

	if cfg.Dial != nil {
		r.dial = cfg.Dial
	} else {
		tlsClient := tlslayer.NewClient(cfg.TLS)
		r.dial = func() (net.Conn, error) {
			raw, err := net.DialTimeout("tcp", cfg.ServerAddr, connectTimeout)
			if err != nil {
				return nil, err
			}
			conn, err := tlsClient.Handshake(raw)
			if err != nil {
				raw.Close()
				return nil, err
			}
			return conn, nil
		}
	}

	return r, nil
}

// Bind attaches the bridge used to emit UDP replies back into the tunnel.
func (r *Relay) Bind(b *netstack.Bridge) {
	r.mu.Lock()
	r.bridge = b
	r.mu.Unlock()
}

// HandleFlow implements netstack.Handler. The upstream dial runs on its
// own goroutine; the flow handle is returned immediately so the bridge can
// start buffering.
func (r *Relay) HandleFlow(key netstack.FlowKey, flow *netstack.Flow) netstack.FlowHandle {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}

	p := newFlowProxy(r, key, flow)
	go p.run()
	return p
}

// HandleDatagram implements netstack.Handler. Datagrams sharing a 4-tuple
// reuse one upstream VLESS UDP stream.
func (r *Relay) HandleDatagram(dgram netstack.Datagram) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s, ok := r.sessions[dgram.Key]
	if !ok {
		s = newUDPSession(r, dgram.Key)
		r.sessions[dgram.Key] = s
		go s.run()
	}
	r.mu.Unlock()

	s.enqueue(dgram.Payload)
}

// dialUpstream establishes one proxied stream for the given target.
func (r *Relay) dialUpstream(command byte, port uint16, addr vless.Address) (*vless.Conn, error) {
	underlay, err := r.dial()
	if err != nil {
		return nil, err
	}
	conn, err := r.client.Handshake(underlay, command, port, addr)
	if err != nil {
		underlay.Close()
		return nil, err
	}
	return conn, nil
}

// dropSession removes a finished UDP session. No-op when a newer session
// already replaced it.
func (r *Relay) dropSession(s *udpSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.key]; ok && cur == s {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
}

// sendReply emits one UDP reply into the tunnel with the conversation's
// addressing reversed.
func (r *Relay) sendReply(key netstack.FlowKey, payload []byte) {
	r.mu.Lock()
	b := r.bridge
	r.mu.Unlock()
	if b == nil {
		return
	}

	reply := netstack.Datagram{
		Key: netstack.FlowKey{
			Src:       key.Dst,
			SrcPort:   key.DstPort,
			Dst:       key.Src,
			DstPort:   key.SrcPort,
			IsIPv6:    key.IsIPv6,
			Transport: netstack.TransportUDP,
		},
		Payload: payload,
	}
	if err := b.SendDatagram(reply); err != nil {
		logger.Debug("UDP reply dropped: %v", err)
	}
}

// Close stops accepting flows and tears down all UDP sessions. TCP flow
// proxies terminate through the bridge's own shutdown notifications.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*udpSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[netstack.FlowKey]*udpSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// vlessAddress converts a flow address to its wire representation.
func vlessAddress(key netstack.FlowKey) (vless.Address, error) {
	if key.IsIPv6 {
		return vless.IPv6Address(key.Dst.As16()), nil
	}
	if key.Dst.Is4() {
		return vless.IPv4Address(key.Dst.As4()), nil
	}
	return vless.Address{}, errors.New("relay: address family mismatch")
}
