package vless

// Address is a typed VLESS destination address. The payload length always
// matches the type: 4 bytes for AtypIP4, 16 for AtypIP6, and the declared
// length (at most MaxDomainLen) for AtypDomain.
type Address struct {
	Type    byte
	payload []byte
}

// IPv4Address wraps four raw address bytes.
func IPv4Address(b [4]byte) Address {
	return Address{Type: AtypIP4, payload: b[:]}
}

// IPv6Address wraps sixteen raw address bytes.
func IPv6Address(b [16]byte) Address {
	return Address{Type: AtypIP6, payload: b[:]}
}

// DomainAddress wraps a domain name. Fails if the name is empty or longer
// than MaxDomainLen bytes.
func DomainAddress(name string) (Address, error) {
	if len(name) == 0 {
		return Address{}, ErrInvalidAddress
	}
	if len(name) > MaxDomainLen {
		return Address{}, ErrDomainTooLong
	}
	return Address{Type: AtypDomain, payload: []byte(name)}, nil
}

// Payload returns the raw address bytes (without the domain length prefix).
func (a Address) Payload() []byte { return a.payload }

// encodedLen is the payload length plus the domain length prefix byte.
func (a Address) encodedLen() int {
	if a.Type == AtypDomain {
		return 1 + len(a.payload)
	}
	return len(a.payload)
}

// ParseIPv4 parses a dotted-decimal IPv4 address. Exactly four groups of
// decimal digits in 0..255 are accepted; anything else fails.
func ParseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	if len(s) == 0 || len(s) > 15 {
		return out, ErrInvalidAddress
	}
	group := 0
	i := 0
	for {
		if i >= len(s) || s[i] < '0' || s[i] > '9' {
			return out, ErrInvalidAddress
		}
		v := 0
		digits := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			v = v*10 + int(s[i]-'0')
			digits++
			if digits > 3 || v > 255 {
				return out, ErrInvalidAddress
			}
			i++
		}
		if group == 4 {
			return out, ErrInvalidAddress
		}
		out[group] = byte(v)
		group++
		if i == len(s) {
			break
		}
		if s[i] != '.' {
			return out, ErrInvalidAddress
		}
		i++
	}
	if group != 4 {
		return out, ErrInvalidAddress
	}
	return out, nil
}

// ParseIPv6 parses a textual IPv6 address into sixteen bytes. Enclosing
// brackets are stripped, at most one "::" elision is allowed and expands
// to the missing number of zero groups, and every explicit group must be
// one to four hex digits.
func ParseIPv6(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		s = s[1 : len(s)-1]
	}
	if len(s) == 0 || len(s) > 39 {
		return out, ErrInvalidAddress
	}

	var groups [8]uint16
	count := 0    // explicit groups parsed
	elision := -1 // group index where "::" sits, -1 if absent

	i := 0
	for i < len(s) {
		if s[i] == ':' {
			if i+1 < len(s) && s[i+1] == ':' {
				if elision >= 0 {
					return out, ErrInvalidAddress
				}
				elision = count
				i += 2
				continue
			}
			// A single colon is only a separator between groups.
			if i == 0 || i == len(s)-1 {
				return out, ErrInvalidAddress
			}
			i++
			continue
		}
		v := 0
		digits := 0
		for i < len(s) && isHexDigit(s[i]) {
			v = v<<4 | hexVal(s[i])
			digits++
			if digits > 4 {
				return out, ErrInvalidAddress
			}
			i++
		}
		if digits == 0 {
			return out, ErrInvalidAddress
		}
		if count == 8 {
			return out, ErrInvalidAddress
		}
		groups[count] = uint16(v)
		count++
	}

	if elision >= 0 {
		missing := 8 - count
		if missing < 0 {
			return out, ErrInvalidAddress
		}
		// Shift the groups after the elision to the tail, zero the gap.
		for i := 7; i >= elision+missing; i-- {
			groups[i] = groups[i-missing]
		}
		for i := elision; i < elision+missing; i++ {
			groups[i] = 0
		}
	} else if count != 8 {
		return out, ErrInvalidAddress
	}

	for i, g := range groups {
		out[i*2] = byte(g >> 8)
		out[i*2+1] = byte(g)
	}
	return out, nil
}

// ParseAddress classifies a destination string: IPv4 first, then IPv6,
// anything else is treated as a domain name.
func ParseAddress(s string) (Address, error) {
	if b, err := ParseIPv4(s); err == nil {
		return IPv4Address(b), nil
	}
	if b, err := ParseIPv6(s); err == nil {
		return IPv6Address(b), nil
	}
	return DomainAddress(s)
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
