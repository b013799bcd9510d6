// Package vless implements the VLESS proxy request protocol used on the
// upstream leg of the tunnel: typed destination addresses, request header
// serialization, and a minimal v0 client handshake.
//
// The wire layout is fixed and must stay bit-exact for interoperability:
//
//	version(1) | uuid(16) | addons_len(1) | command(1) | port(2 BE) |
//	addr_type(1) | addr_payload
//
// Domain payloads carry their own one-byte length prefix; IPv4 and IPv6
// payloads are fixed length with no prefix.
package vless

import "errors"

// Protocol version. Only v0 is deployed.
const Version byte = 0x00

// Command types.
const (
	CmdTCP byte = 0x01
	CmdUDP byte = 0x02
)

// Address types.
const (
	AtypIP4    byte = 0x01
	AtypDomain byte = 0x02
	AtypIP6    byte = 0x03
)

// MaxDomainLen is the longest domain payload the one-byte length prefix
// can describe.
const MaxDomainLen = 255

var (
	ErrInvalidAddress = errors.New("vless: invalid address")
	ErrDomainTooLong  = errors.New("vless: domain exceeds 255 bytes")
)
