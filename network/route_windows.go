//go:build windows

package network

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/argsment/anywhere-core/logger"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

func WindowsAddRoute(destination string, gateway string, interfaceName string) error {
	prefix, err := prefixFromCIDR(destination)
	if err != nil {
		return err
	}

	var luid winipcfg.LUID
	var nextHop netip.Addr

	if interfaceName != "" {
		iface, err := net.InterfaceByName(interfaceName)
		if err != nil {
			return fmt.Errorf("failed to get interface %s: %v", interfaceName, err)
		}

		luid, err = winipcfg.LUIDFromIndex(uint32(iface.Index))
		if err != nil {
			return fmt.Errorf("failed to get LUID for interface %s: %v", interfaceName, err)
		}
	}

	if gateway != "" {
		gwIP := net.ParseIP(gateway)
		if gwIP == nil {
			return fmt.Errorf("invalid gateway address: %s", gateway)
		}
		if ip4 := gwIP.To4(); ip4 != nil {
			nextHop, _ = netip.AddrFromSlice(ip4)
		} else {
			nextHop, _ = netip.AddrFromSlice(gwIP)
		}
		if !nextHop.IsValid() {
			return fmt.Errorf("failed to convert gateway IP")
		}
		logger.Info("Adding route to %s via gateway %s on interface %s", destination, gateway, interfaceName)
	} else if interfaceName != "" {
		if prefix.Addr().Is4() {
			nextHop = netip.IPv4Unspecified()
		} else {
			nextHop = netip.IPv6Unspecified()
		}
		logger.Info("Adding route to %s via interface %s", destination, interfaceName)
	} else {
		return fmt.Errorf("either gateway or interface must be specified")
	}

	if err := luid.AddRoute(prefix, nextHop, 1); err != nil {
		return fmt.Errorf("failed to add route: %v", err)
	}

	return nil
}

func WindowsRemoveRoute(destination string) error {
	prefix, err := prefixFromCIDR(destination)
	if err != nil {
		return err
	}

	var family winipcfg.AddressFamily
	if prefix.Addr().Is4() {
		family = 2 // AF_INET
	} else {
		family = 23 // AF_INET6
	}

	routes, err := winipcfg.GetIPForwardTable2(family)
	if err != nil {
		return fmt.Errorf("failed to get route table: %v", err)
	}

	for _, route := range routes {
		if route.DestinationPrefix.Prefix() == prefix {
			logger.Info("Removing route to %s", destination)
			if err := route.Delete(); err != nil {
				return fmt.Errorf("failed to delete route: %v", err)
			}
			return nil
		}
	}

	return fmt.Errorf("route to %s not found", destination)
}

func prefixFromCIDR(destination string) (netip.Prefix, error) {
	_, ipNet, err := net.ParseCIDR(destination)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid destination address: %v", err)
	}

	maskBits, _ := ipNet.Mask.Size()

	var addr netip.Addr
	if ip4 := ipNet.IP.To4(); ip4 != nil {
		addr, _ = netip.AddrFromSlice(ip4)
	} else {
		addr, _ = netip.AddrFromSlice(ipNet.IP)
	}
	if !addr.IsValid() {
		return netip.Prefix{}, fmt.Errorf("failed to convert destination IP")
	}
	return netip.PrefixFrom(addr, maskBits), nil
}
