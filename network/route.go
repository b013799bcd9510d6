package network

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"

	"github.com/argsment/anywhere-core/logger"
	"github.com/vishvananda/netlink"
)

func DarwinAddRoute(destination string, gateway string, interfaceName string) error {
	if runtime.GOOS != "darwin" {
		return nil
	}

	var cmd *exec.Cmd

	if gateway != "" {
		// Route with specific gateway
		cmd = exec.Command("route", "-q", "-n", "add", "-inet", destination, "-gateway", gateway)
	} else if interfaceName != "" {
		// Route via interface
		cmd = exec.Command("route", "-q", "-n", "add", "-inet", destination, "-interface", interfaceName)
	} else {
		return fmt.Errorf("either gateway or interface must be specified")
	}

	logger.Info("Running command: %v", cmd)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("route command failed: %v, output: %s", err, out)
	}

	return nil
}

func DarwinRemoveRoute(destination string) error {
	if runtime.GOOS != "darwin" {
		return nil
	}

	cmd := exec.Command("route", "-q", "-n", "delete", "-inet", destination)
	logger.Info("Running command: %v", cmd)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("route delete command failed: %v, output: %s", err, out)
	}

	return nil
}

func LinuxAddRoute(destination string, gateway string, interfaceName string) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	_, ipNet, err := net.ParseCIDR(destination)
	if err != nil {
		return fmt.Errorf("invalid destination address: %v", err)
	}

	route := &netlink.Route{
		Dst: ipNet,
	}

	if gateway != "" {
		gw := net.ParseIP(gateway)
		if gw == nil {
			return fmt.Errorf("invalid gateway address: %s", gateway)
		}
		route.Gw = gw
		logger.Info("Adding route to %s via gateway %s", destination, gateway)
	} else if interfaceName != "" {
		link, err := netlink.LinkByName(interfaceName)
		if err != nil {
			return fmt.Errorf("failed to get interface %s: %v", interfaceName, err)
		}
		route.LinkIndex = link.Attrs().Index
		logger.Info("Adding route to %s via interface %s", destination, interfaceName)
	} else {
		return fmt.Errorf("either gateway or interface must be specified")
	}

	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route: %v", err)
	}

	return nil
}

func LinuxRemoveRoute(destination string) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	_, ipNet, err := net.ParseCIDR(destination)
	if err != nil {
		return fmt.Errorf("invalid destination address: %v", err)
	}

	route := &netlink.Route{
		Dst: ipNet,
	}

	logger.Info("Removing route to %s", destination)

	if err := netlink.RouteDel(route); err != nil {
		return fmt.Errorf("failed to delete route: %v", err)
	}

	return nil
}

func addRoute(destination, gateway, interfaceName string) error {
	switch runtime.GOOS {
	case "darwin":
		return DarwinAddRoute(destination, gateway, interfaceName)
	case "windows":
		return WindowsAddRoute(destination, gateway, interfaceName)
	case "linux":
		return LinuxAddRoute(destination, gateway, interfaceName)
	case "android", "ios":
		// Routes handled by the OS/VPN service
		return nil
	}
	return nil
}

func removeRoute(destination string) error {
	switch runtime.GOOS {
	case "darwin":
		return DarwinRemoveRoute(destination)
	case "windows":
		return WindowsRemoveRoute(destination)
	case "linux":
		return LinuxRemoveRoute(destination)
	case "android", "ios":
		return nil
	}
	return nil
}

// AddProxiedRoutes steers each subnet into the tunnel interface and
// records it in the profile as an included route.
func AddProxiedRoutes(settings *Settings, subnets []string, interfaceName string) error {
	if len(subnets) == 0 {
		return nil
	}

	for _, subnet := range subnets {
		subnet = strings.TrimSpace(subnet)
		if subnet == "" {
			continue
		}

		if err := recordIncludedRoute(settings, subnet, true); err != nil {
			logger.Error("Failed to record route for subnet %s: %v", subnet, err)
			continue
		}

		if interfaceName == "" {
			continue
		}
		if err := addRoute(subnet, "", interfaceName); err != nil {
			logger.Error("Failed to add route for subnet %s: %v", subnet, err)
			continue
		}

		logger.Info("Added proxied route: %s", subnet)
	}
	return nil
}

// RemoveProxiedRoutes undoes AddProxiedRoutes.
func RemoveProxiedRoutes(settings *Settings, subnets []string) error {
	for _, subnet := range subnets {
		subnet = strings.TrimSpace(subnet)
		if subnet == "" {
			continue
		}

		recordIncludedRoute(settings, subnet, false)
		if err := removeRoute(subnet); err != nil {
			logger.Error("Failed to remove route for subnet %s: %v", subnet, err)
			continue
		}

		logger.Info("Removed proxied route: %s", subnet)
	}
	return nil
}

// AddBypassRoute pins the upstream server's address to the physical
// gateway so the tunnel's own traffic never loops back into the tun.
func AddBypassRoute(settings *Settings, serverCIDR, physicalGateway string) error {
	_, ipNet, err := net.ParseCIDR(serverCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse server address %s: %v", serverCIDR, err)
	}

	if settings != nil {
		settings.AddIPv4ExcludedRoute(IPv4Route{
			DestinationAddress: ipNet.IP.String(),
			SubnetMask:         net.IP(ipNet.Mask).String(),
			GatewayAddress:     physicalGateway,
		})
	}

	if err := addRoute(serverCIDR, physicalGateway, ""); err != nil {
		return err
	}
	logger.Info("Added bypass route: %s via %s", serverCIDR, physicalGateway)
	return nil
}

// RemoveBypassRoute undoes AddBypassRoute.
func RemoveBypassRoute(serverCIDR string) error {
	if err := removeRoute(serverCIDR); err != nil {
		return err
	}
	logger.Info("Removed bypass route: %s", serverCIDR)
	return nil
}

func recordIncludedRoute(settings *Settings, subnet string, add bool) error {
	if settings == nil {
		return nil
	}
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return fmt.Errorf("failed to parse subnet %s: %v", subnet, err)
	}

	route := IPv4Route{
		DestinationAddress: ipNet.IP.String(),
		SubnetMask:         net.IP(ipNet.Mask).String(),
	}
	if add {
		settings.AddIPv4IncludedRoute(route)
	} else {
		settings.RemoveIPv4IncludedRoute(route)
	}
	return nil
}
