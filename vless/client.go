package vless

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
)

// Client performs the VLESS v0 handshake on an already-established
// upstream connection. One Client can serve any number of flows; it holds
// only the account identity.
type Client struct {
	uuid [16]byte
}

// NewClient parses the account UUID string.
func NewClient(uuidStr string) (*Client, error) {
	id, err := uuid.Parse(uuidStr)
	if err != nil {
		return nil, err
	}
	return &Client{uuid: id}, nil
}

// UUID returns the account identity bytes.
func (c *Client) UUID() [16]byte { return c.uuid }

// Handshake writes the request header for the given target onto underlay
// and returns a Conn carrying the proxied stream. No server response is
// read here; the v0 response header is stripped lazily on the first Read
// so the handshake does not add a round trip.
func (c *Client) Handshake(underlay net.Conn, command byte, port uint16, addr Address) (*Conn, error) {
	head := BuildRequestHeader(c.uuid, command, port, addr)
	if _, err := underlay.Write(head); err != nil {
		return nil, err
	}
	return &Conn{
		Conn:  underlay,
		isUDP: command == CmdUDP,
	}, nil
}

// Conn is a VLESS v0 client-side stream. For TCP flows it is a plain byte
// stream after the response header. For UDP flows every Write sends one
// complete datagram with a two-byte big-endian length prefix, and every
// Read returns one complete datagram (split across Reads only when the
// caller's buffer is too small).
type Conn struct {
	net.Conn
	isUDP bool

	gotResponse bool
	bufr        *bufio.Reader
	unread      []byte // remainder of a datagram the caller's buffer could not hold
}

func (vc *Conn) reader() *bufio.Reader {
	if vc.bufr == nil {
		vc.bufr = bufio.NewReader(vc.Conn)
	}
	return vc.bufr
}

// readResponseHeader consumes the two-byte v0 response header
// (version + addons length).
func (vc *Conn) readResponseHeader() error {
	var head [2]byte
	if _, err := io.ReadFull(vc.reader(), head[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return errors.New("vless: response head too short")
		}
		return err
	}
	vc.gotResponse = true
	return nil
}

func (vc *Conn) Read(p []byte) (int, error) {
	if !vc.gotResponse {
		if err := vc.readResponseHeader(); err != nil {
			return 0, err
		}
	}
	if !vc.isUDP {
		return vc.reader().Read(p)
	}
	return vc.readDatagram(p)
}

func (vc *Conn) readDatagram(p []byte) (int, error) {
	if len(vc.unread) > 0 {
		n := copy(p, vc.unread)
		if n < len(vc.unread) {
			vc.unread = vc.unread[n:]
		} else {
			vc.unread = nil
		}
		return n, nil
	}

	// Zero-length frames are skipped so callers never see an empty read.
	var l int
	for l == 0 {
		var lenBytes [2]byte
		if _, err := io.ReadFull(vc.reader(), lenBytes[:]); err != nil {
			return 0, err
		}
		l = int(lenBytes[0])<<8 | int(lenBytes[1])
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(vc.reader(), payload); err != nil {
		return 0, err
	}

	n := copy(p, payload)
	if n < l {
		vc.unread = payload[n:]
	}
	return n, nil
}

func (vc *Conn) Write(p []byte) (int, error) {
	if !vc.isUDP {
		return vc.Conn.Write(p)
	}
	if len(p) > 0xffff {
		return 0, errors.New("vless: datagram too large")
	}
	buf := make([]byte, 0, 2+len(p))
	buf = append(buf, byte(len(p)>>8), byte(len(p)))
	buf = append(buf, p...)
	if _, err := vc.Conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite half-closes the underlying stream when it supports it.
func (vc *Conn) CloseWrite() error {
	if cw, ok := vc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return vc.Conn.Close()
}
