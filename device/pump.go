// Package device creates tunnel interfaces and moves raw IP packets
// between them and the rest of the data plane.
package device

import (
	"errors"
	"os"
	"sync"

	"github.com/argsment/anywhere-core/logger"
	"golang.zx2c4.com/wireguard/tun"
)

// packetOffset is the headroom kept in front of each packet buffer. The
// tun implementations prepend their per-platform encapsulation header
// (virtio-net on Linux) inside this space.
const packetOffset = 16

// Pump moves packets between a tun device and an ingress callback. Reads
// run on a dedicated goroutine in device-sized batches; writes may come
// from any single goroutine (the bridge's dispatch loop in practice).
type Pump struct {
	dev     tun.Device
	ingress func(pkt []byte)
	mtu     int

	writeMu  sync.Mutex
	writeBuf [][]byte

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPump wires a tun device to an ingress callback. Call Start to begin
// reading.
func NewPump(dev tun.Device, ingress func(pkt []byte)) (*Pump, error) {
	if dev == nil {
		return nil, errors.New("device: nil tun device")
	}
	if ingress == nil {
		return nil, errors.New("device: nil ingress callback")
	}
	mtu, err := dev.MTU()
	if err != nil {
		return nil, err
	}
	return &Pump{
		dev:      dev,
		ingress:  ingress,
		mtu:      mtu,
		writeBuf: [][]byte{make([]byte, packetOffset+mtu)},
		done:     make(chan struct{}),
	}, nil
}

// Start launches the read loop.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.readLoop()
}

func (p *Pump) readLoop() {
	defer p.wg.Done()

	batchSize := p.dev.BatchSize()
	bufs := make([][]byte, batchSize)
	sizes := make([]int, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, packetOffset+p.mtu)
	}

	for {
		n, err := p.dev.Read(bufs, sizes, packetOffset)
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			p.ingress(bufs[i][packetOffset : packetOffset+sizes[i]])
		}
		if err != nil {
			select {
			case <-p.done:
			default:
				if !errors.Is(err, os.ErrClosed) {
					logger.Error("Tun read: %v", err)
				}
			}
			return
		}
	}
}

// WritePacket sends one raw IP packet out the tun device. Matches the
// signature expected by the bridge's Output callback.
func (p *Pump) WritePacket(pkt []byte, _ bool) {
	if len(pkt) == 0 {
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	buf := p.writeBuf[0]
	if packetOffset+len(pkt) > len(buf) {
		buf = make([]byte, packetOffset+len(pkt))
		p.writeBuf[0] = buf
	}
	n := copy(buf[packetOffset:], pkt)
	p.writeBuf[0] = buf[:packetOffset+n]

	if _, err := p.dev.Write(p.writeBuf, packetOffset); err != nil {
		logger.Debug("Tun write: %v", err)
	}
	p.writeBuf[0] = buf[:cap(buf)]
}

// Close stops the read loop and closes the device.
func (p *Pump) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.dev.Close()
		p.wg.Wait()
	})
	return err
}
