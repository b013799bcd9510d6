package vless

// RequestHeaderLen returns the serialized length of a request header for
// the given address: 22 fixed bytes (version, uuid, addons length,
// command, port, address type) plus the address payload, plus one
// length-prefix byte when the address is a domain.
func RequestHeaderLen(addr Address) int {
	return 22 + addr.encodedLen()
}

// BuildRequestHeader serializes a VLESS v0 request header. The address is
// assumed to already satisfy the Address invariants; no further validation
// is performed here.
func BuildRequestHeader(uuid [16]byte, command byte, port uint16, addr Address) []byte {
	buf := make([]byte, 0, RequestHeaderLen(addr))
	buf = append(buf, Version)
	buf = append(buf, uuid[:]...)
	buf = append(buf, 0x00) // addons length, none
	buf = append(buf, command)
	buf = append(buf, byte(port>>8), byte(port))
	buf = append(buf, addr.Type)
	if addr.Type == AtypDomain {
		buf = append(buf, byte(len(addr.payload)))
	}
	buf = append(buf, addr.payload...)
	return buf
}
