package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TunnelSubnetAuto selects automatic tunnel-subnet discovery from the
// host route table instead of a fixed subnet.
const TunnelSubnetAuto = "auto"

// Config represents the top-level configuration structure.
type Config struct {
	Global  GlobalConfig  `yaml:"global"  mapstructure:"global"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SessionConfig defines the isolated session parameters. SourceIP,
// Program, and Args come from the command line, not the config file.
type SessionConfig struct {
	Namespace    string   `yaml:"namespace"     mapstructure:"namespace"`
	LinkPrefix   string   `yaml:"link_prefix"   mapstructure:"link_prefix"`
	TunnelSubnet string   `yaml:"tunnel_subnet" mapstructure:"tunnel_subnet"`
	Program      string   `yaml:"program"       mapstructure:"program"`
	Args         []string `yaml:"-"             mapstructure:"-"`
	SourceIP     string   `yaml:"-"             mapstructure:"-"`
}

// HostLinkName returns the name of the host end of the veth pair. The pid
// keeps the name unique across invocations whose links outlived a crash.
func (s SessionConfig) HostLinkName(pid int) string {
	return fmt.Sprintf("%s%d.0", s.LinkPrefix, pid)
}

// PeerLinkName returns the name of the namespace end of the veth pair.
func (s SessionConfig) PeerLinkName(pid int) string {
	return fmt.Sprintf("%s%d.1", s.LinkPrefix, pid)
}

// validLogLevels is the set of supported log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the optional config file, applies defaults, unmarshals, and
// validates. An empty configPath loads defaults only.
func Load(configPath string, logger *zap.Logger) (*Config, error) {
	viperInstance := viper.New()

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("session.namespace", "ezns")
	viperInstance.SetDefault("session.link_prefix", "ezns")
	viperInstance.SetDefault("session.tunnel_subnet", "172.31.254.252/30")
	viperInstance.SetDefault("session.program", "/bin/sh")

	if configPath != "" {
		viperInstance.SetConfigFile(configPath)
		if err := viperInstance.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Info("loaded config file", zap.String("path", configPath))
	}

	var cfg Config
	if err := viperInstance.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if !validLogLevels[cfg.Global.LogLevel] {
		return fmt.Errorf("unsupported log_level %q (supported: debug, info, warn, error)", cfg.Global.LogLevel)
	}

	if cfg.Session.Namespace == "" {
		return fmt.Errorf("session.namespace is required")
	}
	if strings.ContainsAny(cfg.Session.Namespace, "/ ") {
		return fmt.Errorf("session.namespace %q must not contain slashes or spaces", cfg.Session.Namespace)
	}

	if cfg.Session.LinkPrefix == "" {
		return fmt.Errorf("session.link_prefix is required")
	}
	// Interface names are limited to 15 characters; leave room for the
	// pid (up to 7 digits) and the ".0"/".1" suffix.
	if len(cfg.Session.LinkPrefix) > 6 {
		return fmt.Errorf("session.link_prefix %q exceeds 6 characters", cfg.Session.LinkPrefix)
	}

	if cfg.Session.TunnelSubnet != TunnelSubnetAuto {
		ip, subnet, err := net.ParseCIDR(cfg.Session.TunnelSubnet)
		if err != nil {
			return fmt.Errorf("invalid session.tunnel_subnet %q: %w", cfg.Session.TunnelSubnet, err)
		}
		if ip.To4() == nil {
			return fmt.Errorf("session.tunnel_subnet %q must be IPv4", cfg.Session.TunnelSubnet)
		}
		if ones, _ := subnet.Mask.Size(); ones != 30 {
			return fmt.Errorf("session.tunnel_subnet %q must be a /30", cfg.Session.TunnelSubnet)
		}
	}

	if cfg.Session.Program == "" {
		return fmt.Errorf("session.program is required")
	}

	if cfg.Session.SourceIP != "" {
		ip := net.ParseIP(cfg.Session.SourceIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid source IP %q", cfg.Session.SourceIP)
		}
	}

	return nil
}
