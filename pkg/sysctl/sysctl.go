// Package sysctl reads and writes kernel tunables under /proc/sys.
package sysctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IPForward is the global IPv4 forwarding flag.
const IPForward = "net/ipv4/ip_forward"

// ProxyARP returns the proxy-ARP key for the given interface. The special
// interface name "all" covers every interface.
func ProxyARP(iface string) string {
	return "net/ipv4/conf/" + iface + "/proxy_arp"
}

// Interface abstracts sysctl access so tests can substitute an in-memory
// implementation.
type Interface interface {
	// Get returns the current value of a key, trimmed of whitespace.
	Get(key string) (string, error)

	// Set writes a value to a key.
	Set(key, value string) error
}

// procSysctl implements Interface against the /proc/sys filesystem.
type procSysctl struct {
	root string
}

// New creates an Interface backed by /proc/sys.
func New() Interface {
	return &procSysctl{root: "/proc/sys"}
}

// newWithRoot creates an Interface rooted at an arbitrary directory.
// This is used in tests to operate on a temporary tree.
func newWithRoot(root string) Interface {
	return &procSysctl{root: root}
}

func (s *procSysctl) path(key string) string {
	return filepath.Join(s.root, key)
}

func (s *procSysctl) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", fmt.Errorf("failed to read sysctl %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *procSysctl) Set(key, value string) error {
	if err := os.WriteFile(s.path(key), []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write sysctl %s: %w", key, err)
	}
	return nil
}
