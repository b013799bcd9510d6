//go:build windows

package network

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/argsment/anywhere-core/logger"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

func configureWindows(interfaceName string, ip net.IP, ipNet *net.IPNet) error {
	logger.Info("Configuring Windows interface: %s", interfaceName)

	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %v", interfaceName, err)
	}

	luid, err := winipcfg.LUIDFromIndex(uint32(iface.Index))
	if err != nil {
		return fmt.Errorf("failed to get LUID for interface %s: %v", interfaceName, err)
	}

	maskBits, _ := ipNet.Mask.Size()

	var addr netip.Addr
	if ip4 := ip.To4(); ip4 != nil {
		addr, _ = netip.AddrFromSlice(ip4)
	} else {
		addr, _ = netip.AddrFromSlice(ip)
	}
	if !addr.IsValid() {
		return fmt.Errorf("failed to convert IP address")
	}
	prefix := netip.PrefixFrom(addr, maskBits)

	logger.Info("Adding IP address %s to interface %s", prefix.String(), interfaceName)
	if err := luid.AddIPAddress(prefix); err != nil {
		return fmt.Errorf("failed to add IP address: %v", err)
	}

	return nil
}
