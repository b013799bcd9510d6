// Package network assigns addresses to the tunnel interface and steers
// traffic into it: included routes go through the tun, and a bypass route
// keeps the upstream proxy server itself on the physical uplink so its
// packets are not intercepted in a loop.
package network

import (
	"encoding/json"
	"sync"

	"github.com/argsment/anywhere-core/logger"
)

// Settings is the tunnel network profile applied to the host: interface
// addresses, MTU, DNS servers, and the included/excluded route sets. It is
// the bookkeeping mirror of whatever the OS was actually told, exportable
// as JSON for debugging and host-side tunnel providers.
type Settings struct {
	mu sync.RWMutex

	state settingsState
}

type settingsState struct {
	MTU                *int        `json:"mtu,omitempty"`
	DNSServers         []string    `json:"dns_servers,omitempty"`
	IPv4Addresses      []string    `json:"ipv4_addresses,omitempty"`
	IPv4SubnetMasks    []string    `json:"ipv4_subnet_masks,omitempty"`
	IPv4IncludedRoutes []IPv4Route `json:"ipv4_included_routes,omitempty"`
	IPv4ExcludedRoutes []IPv4Route `json:"ipv4_excluded_routes,omitempty"`
	IPv6Addresses      []string    `json:"ipv6_addresses,omitempty"`
	IPv6IncludedRoutes []IPv6Route `json:"ipv6_included_routes,omitempty"`
	IPv6ExcludedRoutes []IPv6Route `json:"ipv6_excluded_routes,omitempty"`
}

// IPv4Route represents an IPv4 route
type IPv4Route struct {
	DestinationAddress string `json:"destination_address"`
	SubnetMask         string `json:"subnet_mask,omitempty"`
	GatewayAddress     string `json:"gateway_address,omitempty"`
	IsDefault          bool   `json:"is_default,omitempty"`
}

// IPv6Route represents an IPv6 route
type IPv6Route struct {
	DestinationAddress  string `json:"destination_address"`
	NetworkPrefixLength int    `json:"network_prefix_length,omitempty"`
	GatewayAddress      string `json:"gateway_address,omitempty"`
	IsDefault           bool   `json:"is_default,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{}
}

// SetMTU sets the MTU value
func (s *Settings) SetMTU(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MTU = &mtu
	logger.Debug("Set MTU: %d", mtu)
}

// SetDNSServers sets the DNS servers
func (s *Settings) SetDNSServers(servers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DNSServers = servers
	logger.Debug("Set DNS servers: %v", servers)
}

// SetIPv4Settings sets IPv4 addresses and subnet masks
func (s *Settings) SetIPv4Settings(addresses []string, subnetMasks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IPv4Addresses = addresses
	s.state.IPv4SubnetMasks = subnetMasks
	logger.Debug("Set IPv4 addresses: %v, subnet masks: %v", addresses, subnetMasks)
}

// SetIPv6Settings sets IPv6 addresses
func (s *Settings) SetIPv6Settings(addresses []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IPv6Addresses = addresses
	logger.Debug("Set IPv6 addresses: %v", addresses)
}

// AddIPv4IncludedRoute records a route steered into the tunnel. Duplicate
// routes are ignored.
func (s *Settings) AddIPv4IncludedRoute(route IPv4Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.state.IPv4IncludedRoutes {
		if r == route {
			return
		}
	}
	s.state.IPv4IncludedRoutes = append(s.state.IPv4IncludedRoutes, route)
	logger.Debug("Added IPv4 included route: %+v", route)
}

// RemoveIPv4IncludedRoute drops a previously recorded included route.
func (s *Settings) RemoveIPv4IncludedRoute(route IPv4Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routes := s.state.IPv4IncludedRoutes
	for i, r := range routes {
		if r == route {
			s.state.IPv4IncludedRoutes = append(routes[:i], routes[i+1:]...)
			logger.Debug("Removed IPv4 included route: %+v", route)
			return
		}
	}
}

// AddIPv4ExcludedRoute records a route kept off the tunnel, such as the
// upstream proxy server itself.
func (s *Settings) AddIPv4ExcludedRoute(route IPv4Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.state.IPv4ExcludedRoutes {
		if r == route {
			return
		}
	}
	s.state.IPv4ExcludedRoutes = append(s.state.IPv4ExcludedRoutes, route)
	logger.Debug("Added IPv4 excluded route: %+v", route)
}

// Clear resets the profile.
func (s *Settings) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = settingsState{}
}

// JSON exports the current profile.
func (s *Settings) JSON() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
