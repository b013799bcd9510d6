package relay

import (
	"errors"
	"io"
	"sync"

	"github.com/argsment/anywhere-core/logger"
	"github.com/argsment/anywhere-core/netstack"
	"github.com/argsment/anywhere-core/vless"
)

// flowConn is the slice of netstack.Flow the proxy needs. Tests substitute
// a fake.
type flowConn interface {
	Write(p []byte) error
	MarkReceived(n int) error
	Close() error
	Abort() error
}

// flowProxy pumps one intercepted TCP flow through one upstream stream.
// Receive credit is only returned to the flow after the bytes have been
// written upstream, so a slow server closes the client's TCP window
// instead of growing a buffer here.
type flowProxy struct {
	relay *Relay
	key   netstack.FlowKey
	flow  flowConn

	mu      sync.Mutex
	pending [][]byte
	eof     bool

	notify   chan struct{} // uplink wakeup, cap 1
	writable chan struct{} // downlink wakeup, cap 1
	done     chan struct{}
	doneOnce sync.Once

	upstreamMu sync.Mutex
	upstream   *vless.Conn
}

func newFlowProxy(r *Relay, key netstack.FlowKey, flow flowConn) *flowProxy {
	return &flowProxy{
		relay:    r,
		key:      key,
		flow:     flow,
		notify:   make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OnReceive implements netstack.FlowHandle. Runs on the bridge's dispatch
// goroutine, so it only queues; the uplink goroutine does the blocking
// work. A nil slice is the client's FIN.
func (p *flowProxy) OnReceive(data []byte) {
	p.mu.Lock()
	if data == nil {
		p.eof = true
	} else {
		buf := make([]byte, len(data))
		copy(buf, data)
		p.pending = append(p.pending, buf)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// OnSent implements netstack.FlowHandle: the flow can take more data.
func (p *flowProxy) OnSent(n int) {
	select {
	case p.writable <- struct{}{}:
	default:
	}
}

// OnError implements netstack.FlowHandle. The flow is already gone; stop
// both pumps and drop the upstream.
func (p *flowProxy) OnError(err error) {
	logger.Debug("flow %s failed: %v", p.key, err)
	p.stop()
}

func (p *flowProxy) stop() {
	p.doneOnce.Do(func() { close(p.done) })
	p.upstreamMu.Lock()
	if p.upstream != nil {
		p.upstream.Close()
	}
	p.upstreamMu.Unlock()
}

// run dials the upstream and starts both pumps. Runs on its own goroutine.
func (p *flowProxy) run() {
	addr, err := vlessAddress(p.key)
	if err != nil {
		logger.Debug("flow %s rejected: %v", p.key, err)
		p.flow.Abort()
		p.stop()
		return
	}

	upstream, err := p.relay.dialUpstream(vless.CmdTCP, p.key.DstPort, addr)
	if err != nil {
		logger.Info("Upstream dial for %s failed: %v", p.key, err)
		p.flow.Abort()
		p.stop()
		return
	}

	p.upstreamMu.Lock()
	p.upstream = upstream
	p.upstreamMu.Unlock()

	// The dial may have lost the race with a teardown.
	select {
	case <-p.done:
		upstream.Close()
		return
	default:
	}

	go p.uplink(upstream)
	p.downlink(upstream)
}

// uplink moves queued client bytes to the upstream and returns receive
// credit as they drain.
func (p *flowProxy) uplink(upstream *vless.Conn) {
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			if len(p.pending) == 0 {
				eof := p.eof
				p.mu.Unlock()
				if eof {
					upstream.CloseWrite()
					return
				}
				break
			}
			buf := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()

			if _, err := upstream.Write(buf); err != nil {
				logger.Debug("upstream write for %s: %v", p.key, err)
				p.flow.Abort()
				p.stop()
				return
			}
			if err := p.flow.MarkReceived(len(buf)); err != nil {
				p.stop()
				return
			}
		}
	}
}

// downlink moves upstream bytes into the flow, pacing on the flow's send
// buffer.
func (p *flowProxy) downlink(upstream *vless.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if werr := p.writeToFlow(buf[:n]); werr != nil {
				p.stop()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Server finished; finish the client side cleanly.
				p.flow.Close()
			} else {
				select {
				case <-p.done:
				default:
					logger.Debug("upstream read for %s: %v", p.key, err)
					p.flow.Abort()
				}
			}
			p.stop()
			return
		}
	}
}

// writeToFlow writes one chunk, waiting out send-buffer pressure.
func (p *flowProxy) writeToFlow(data []byte) error {
	for {
		err := p.flow.Write(data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, netstack.ErrSendBufferFull) {
			return err
		}
		select {
		case <-p.writable:
		case <-p.done:
			return netstack.ErrFlowClosed
		}
	}
}
