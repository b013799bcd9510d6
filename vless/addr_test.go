package vless

import (
	"bytes"
	"testing"
)

func TestParseIPv4(t *testing.T) {
	got, err := ParseIPv4("192.168.1.1")
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if got != [4]byte{192, 168, 1, 1} {
		t.Fatalf("ParseIPv4 = %v", got)
	}

	bad := []string{
		"",
		"256.1.1.1",
		"1.2.3",
		"1.2.3.4.5",
		"1.2.3.a",
		"1..2.3",
		".1.2.3",
		"1.2.3.4.",
		"999.1.1.1",
	}
	for _, s := range bad {
		if _, err := ParseIPv4(s); err == nil {
			t.Errorf("ParseIPv4(%q) accepted invalid address", s)
		}
	}
}

func TestParseIPv6(t *testing.T) {
	got, err := ParseIPv6("2001:db8::1")
	if err != nil {
		t.Fatalf("ParseIPv6: %v", err)
	}
	want := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	if got != want {
		t.Fatalf("ParseIPv6 = %v, want %v", got, want)
	}

	got, err = ParseIPv6("[::1]")
	if err != nil {
		t.Fatalf("ParseIPv6 bracketed: %v", err)
	}
	want = [16]byte{15: 1}
	if got != want {
		t.Fatalf("ParseIPv6([::1]) = %v, want %v", got, want)
	}

	full, err := ParseIPv6("1:2:3:4:5:6:7:8")
	if err != nil {
		t.Fatalf("ParseIPv6 full: %v", err)
	}
	if full[1] != 1 || full[15] != 8 {
		t.Fatalf("ParseIPv6 full = %v", full)
	}

	bad := []string{
		"",
		"1::2::3", // two elisions
		"1:2:3:4:5:6:7",
		"1:2:3:4:5:6:7:8:9",
		"12345::",
		"g::1",
		":1:2:3:4:5:6:7",
	}
	for _, s := range bad {
		if _, err := ParseIPv6(s); err == nil {
			t.Errorf("ParseIPv6(%q) accepted invalid address", s)
		}
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("10.0.0.1")
	if err != nil || a.Type != AtypIP4 {
		t.Fatalf("ParseAddress ipv4: type=%d err=%v", a.Type, err)
	}
	a, err = ParseAddress("2001:db8::1")
	if err != nil || a.Type != AtypIP6 {
		t.Fatalf("ParseAddress ipv6: type=%d err=%v", a.Type, err)
	}
	a, err = ParseAddress("example.com")
	if err != nil || a.Type != AtypDomain {
		t.Fatalf("ParseAddress domain: type=%d err=%v", a.Type, err)
	}
	if !bytes.Equal(a.Payload(), []byte("example.com")) {
		t.Fatalf("domain payload = %q", a.Payload())
	}

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := ParseAddress(string(long)); err == nil {
		t.Fatal("ParseAddress accepted 256-byte domain")
	}
}
