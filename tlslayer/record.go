// Package tlslayer owns the TLS record structure used to camouflage the
// upstream leg: outer record header parsing, TLS 1.3 inner-plaintext
// unwrapping, and the per-record nonce derivation. No cipher work happens
// here; encryption and decryption stay with the AEAD layer.
package tlslayer

import (
	"encoding/binary"
	"errors"
)

// TLS record content types.
const (
	RecordTypeChangeCipherSpec byte = 0x14
	RecordTypeAlert            byte = 0x15
	RecordTypeHandshake        byte = 0x16
	RecordTypeApplicationData  byte = 0x17
)

// RecordHeaderLen is the outer TLS record header size.
const RecordHeaderLen = 5

var (
	ErrEmptyInnerPlaintext = errors.New("tlslayer: empty TLS 1.3 inner plaintext")
	ErrAllPadding          = errors.New("tlslayer: TLS 1.3 inner plaintext is all padding")
)

// ParseRecordHeader reads the outer record header: content type at offset
// 0 and the big-endian body length at offsets 3-4. ok is false when fewer
// than RecordHeaderLen bytes are available; that is not an error, the
// caller buffers and retries.
func ParseRecordHeader(buf []byte) (contentType byte, recordLen uint16, ok bool) {
	if len(buf) < RecordHeaderLen {
		return 0, 0, false
	}
	return buf[0], binary.BigEndian.Uint16(buf[3:5]), true
}

// UnwrapInner strips the TLS 1.3 inner-plaintext framing from a decrypted
// record body: the last non-zero byte is the true content type, everything
// after it is zero padding, everything before it is the content. An empty
// or all-zero body has no content type and fails.
func UnwrapInner(body []byte) (content []byte, contentType byte, err error) {
	if len(body) == 0 {
		return nil, 0, ErrEmptyInnerPlaintext
	}

	// Common case: no padding at all.
	i := len(body) - 1
	if body[i] != 0 {
		return body[:i], body[i], nil
	}
	for i >= 0 && body[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, ErrAllPadding
	}
	return body[:i], body[i], nil
}

// XORNonceWithSequence derives a per-record AEAD nonce by XOR-ing the
// big-endian record sequence number into bytes 4-11 of the 12-byte static
// nonce. Bytes 0-3 are untouched. The transform is its own inverse.
func XORNonceWithSequence(nonce *[12]byte, seq uint64) {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i, b := range seqBytes {
		nonce[4+i] ^= b
	}
}
