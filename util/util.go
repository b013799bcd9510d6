// Package util holds small shared helpers.
package util

import (
	"fmt"
	"net"
	"strings"
)

// ResolveDomain resolves a host or host:port to an IPv4 address when one
// exists, preserving the port. Scheme prefixes and trailing slashes are
// tolerated so configuration values can be pasted from URLs.
func ResolveDomain(domain string) (string, error) {
	host, port, err := net.SplitHostPort(domain)
	if err != nil {
		host = domain
		port = ""
	}

	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimSuffix(host, "/")

	if ip := net.ParseIP(host); ip != nil {
		if port != "" {
			return net.JoinHostPort(host, port), nil
		}
		return host, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return "", fmt.Errorf("DNS lookup failed: %v", err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no IP addresses found for domain %s", host)
	}

	var ipAddr string
	for _, ip := range ips {
		if ipv4 := ip.To4(); ipv4 != nil {
			ipAddr = ipv4.String()
			break
		}
	}
	if ipAddr == "" {
		ipAddr = ips[0].String()
	}

	if port != "" {
		ipAddr = net.JoinHostPort(ipAddr, port)
	}
	return ipAddr, nil
}
