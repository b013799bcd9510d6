package tlslayer

import (
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Conf configures the camouflage client.
type Conf struct {
	ServerName  string
	Fingerprint string // chrome, firefox, ios, safari, edge, golang, random
	Insecure    bool
	AlpnList    []string
}

// Client wraps an established upstream connection in a TLS session whose
// ClientHello mimics a mainstream browser, so the tunnel traffic blends in
// with ordinary HTTPS.
type Client struct {
	config      *utls.Config
	fingerprint utls.ClientHelloID
}

// NewClient builds a camouflage client from conf. Unknown fingerprint
// names fall back to Chrome.
func NewClient(conf Conf) *Client {
	c := &Client{
		config: &utls.Config{
			ServerName:         conf.ServerName,
			InsecureSkipVerify: conf.Insecure,
			NextProtos:         conf.AlpnList,
		},
	}

	switch strings.ToLower(conf.Fingerprint) {
	case "firefox":
		c.fingerprint = utls.HelloFirefox_Auto
	case "ios":
		c.fingerprint = utls.HelloIOS_Auto
	case "safari":
		c.fingerprint = utls.HelloSafari_Auto
	case "edge":
		c.fingerprint = utls.HelloEdge_Auto
	case "golang":
		c.fingerprint = utls.HelloGolang
	case "random":
		c.fingerprint = utls.HelloRandomized
	case "chrome":
		fallthrough
	default:
		c.fingerprint = utls.HelloChrome_Auto
	}

	return c
}

// Handshake performs the TLS handshake over underlay and returns the
// camouflaged connection.
func (c *Client) Handshake(underlay net.Conn) (net.Conn, error) {
	uconn := utls.UClient(underlay, c.config.Clone(), c.fingerprint)
	if err := uconn.Handshake(); err != nil {
		return nil, err
	}
	return uconn, nil
}
