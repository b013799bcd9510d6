package relay

import (
	"sync"
	"time"

	"github.com/argsment/anywhere-core/logger"
	"github.com/argsment/anywhere-core/netstack"
	"github.com/argsment/anywhere-core/vless"
)

// udpQueueLen bounds outbound datagrams buffered while the upstream dial
// is in flight. UDP tolerates loss, so overflow drops.
const udpQueueLen = 128

// udpSession is one UDP conversation, keyed by the intercepted 4-tuple,
// multiplexed over one upstream VLESS UDP stream.
type udpSession struct {
	relay *Relay
	key   netstack.FlowKey

	sendq chan []byte
	done  chan struct{}
	once  sync.Once

	idle *time.Timer

	connMu sync.Mutex
	conn   *vless.Conn
}

func newUDPSession(r *Relay, key netstack.FlowKey) *udpSession {
	s := &udpSession{
		relay: r,
		key:   key,
		sendq: make(chan []byte, udpQueueLen),
		done:  make(chan struct{}),
	}
	s.idle = time.AfterFunc(udpIdleTimeout, s.close)
	return s
}

// enqueue queues one outbound datagram. Never blocks; the queue is only
// deep while the dial is in flight.
func (s *udpSession) enqueue(payload []byte) {
	s.touch()
	select {
	case s.sendq <- payload:
	case <-s.done:
	default:
		logger.Debug("UDP queue full for %s, datagram dropped", s.key)
	}
}

func (s *udpSession) touch() {
	s.idle.Reset(udpIdleTimeout)
}

// run dials the upstream and pumps both directions until the session goes
// idle or the stream fails.
func (s *udpSession) run() {
	defer s.relay.dropSession(s)

	addr, err := vlessAddress(s.key)
	if err != nil {
		logger.Debug("UDP session %s rejected: %v", s.key, err)
		s.close()
		return
	}

	conn, err := s.relay.dialUpstream(vless.CmdUDP, s.key.DstPort, addr)
	if err != nil {
		logger.Info("Upstream dial for %s failed: %v", s.key, err)
		s.close()
		return
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	select {
	case <-s.done:
		conn.Close()
		return
	default:
	}

	go s.downlink(conn)
	s.uplink(conn)
}

func (s *udpSession) uplink(conn *vless.Conn) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.sendq:
			if _, err := conn.Write(payload); err != nil {
				logger.Debug("UDP upstream write for %s: %v", s.key, err)
				s.close()
				return
			}
		}
	}
}

func (s *udpSession) downlink(conn *vless.Conn) {
	// One datagram per read; sized for the largest framed payload.
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				logger.Debug("UDP upstream read for %s: %v", s.key, err)
			}
			s.close()
			return
		}
		s.touch()
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.relay.sendReply(s.key, payload)
	}
}

func (s *udpSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.idle.Stop()
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
}
