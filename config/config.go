// Package config loads the client configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultMTU         = 1420
	defaultFingerprint = "chrome"
	defaultLogLevel    = "info"
)

// Server is the upstream relay endpoint.
type Server struct {
	Host        string `yaml:"host"`
	Port        uint16 `yaml:"port"`
	UUID        string `yaml:"uuid"`
	SNI         string `yaml:"sni"`
	Fingerprint string `yaml:"fingerprint"`
	Insecure    bool   `yaml:"insecure"`

	// BypassGateway, when set, installs a host route for the resolved
	// server address via this physical gateway so the relay traffic
	// itself never enters the tunnel. Needed when proxied_subnets cover
	// the server.
	BypassGateway string `yaml:"bypass_gateway"`
}

// Tun is the tunnel device section. Either a name to create or an
// already-open fd handed over by the host. ProxiedSubnets are routed into
// the device at startup.
type Tun struct {
	Name           string   `yaml:"name"`
	FD             *uint32  `yaml:"fd,omitempty"`
	Address        string   `yaml:"address"`
	MTU            int      `yaml:"mtu"`
	ProxiedSubnets []string `yaml:"proxied_subnets"`
}

// Config is the top-level client configuration.
type Config struct {
	Server      Server `yaml:"server"`
	Tun         Tun    `yaml:"tun"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads and validates a configuration file, applying defaults for
// optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("config: server.host is required")
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("config: server.port is required")
	}
	if _, err := uuid.Parse(c.Server.UUID); err != nil {
		return fmt.Errorf("config: server.uuid: %w", err)
	}
	if c.Tun.Name == "" && c.Tun.FD == nil {
		return fmt.Errorf("config: tun.name or tun.fd is required")
	}
	if c.Tun.MTU < 0 {
		return fmt.Errorf("config: tun.mtu must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Tun.MTU == 0 {
		c.Tun.MTU = defaultMTU
	}
	if c.Server.Fingerprint == "" {
		c.Server.Fingerprint = defaultFingerprint
	}
	if c.Server.SNI == "" {
		c.Server.SNI = c.Server.Host
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}
