//go:build !windows

package network

import (
	"fmt"
	"net"
)

func configureWindows(interfaceName string, ip net.IP, ipNet *net.IPNet) error {
	return fmt.Errorf("configureWindows called on non-Windows platform")
}

func WindowsAddRoute(destination string, gateway string, interfaceName string) error {
	return nil
}

func WindowsRemoveRoute(destination string) error {
	return nil
}
