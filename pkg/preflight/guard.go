// Package preflight verifies the host can run an isolated egress session
// and captures the host state that teardown must later restore.
package preflight

import (
	"errors"
	"fmt"

	"github.com/easzlab/ezns/pkg/netx"
	"github.com/easzlab/ezns/pkg/sysctl"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrNotRoot indicates the process lacks root privilege.
	ErrNotRoot = errors.New("must be run as root")

	// ErrNamespaceExists indicates the reserved namespace name is taken,
	// most likely by a crashed prior run or a concurrent session.
	ErrNamespaceExists = errors.New("network namespace already exists")

	// ErrNoDefaultRoute indicates the host has no default IPv4 route to
	// egress through.
	ErrNoDefaultRoute = errors.New("no default IPv4 route")
)

// HostSnapshot records the host state observed before any mutation. It is
// captured once and threaded through to teardown so restored values are
// the observed priors, never hardcoded defaults.
type HostSnapshot struct {
	DefaultInterface     string
	ForwardingWasEnabled bool
}

// Guard performs the pre-session checks and host-state discovery.
type Guard struct {
	net     netx.Handle
	sys     sysctl.Interface
	logger  *zap.Logger
	geteuid func() int
}

// NewGuard creates a Guard using the given handles.
func NewGuard(net netx.Handle, sys sysctl.Interface, logger *zap.Logger) *Guard {
	return &Guard{
		net:     net,
		sys:     sys,
		logger:  logger,
		geteuid: unix.Geteuid,
	}
}

// RequireRoot fails with ErrNotRoot unless the effective UID is 0.
func (g *Guard) RequireRoot() error {
	if euid := g.geteuid(); euid != 0 {
		return fmt.Errorf("%w (euid %d)", ErrNotRoot, euid)
	}
	return nil
}

// RequireNoNamespace fails with ErrNamespaceExists if a namespace with the
// reserved name is already present. The session manager assumes exclusive
// ownership of that name, so a leftover namespace is surfaced rather than
// reused.
func (g *Guard) RequireNoNamespace(name string) error {
	exists, err := g.net.NamespaceExists(name)
	if err != nil {
		return fmt.Errorf("failed to enumerate namespaces: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %q", ErrNamespaceExists, name)
	}
	return nil
}

// Snapshot reads the current default route and global forwarding flag.
func (g *Guard) Snapshot() (HostSnapshot, error) {
	defaultInterface, err := g.net.DefaultInterface()
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("%w: %v", ErrNoDefaultRoute, err)
	}

	forwarding, err := g.sys.Get(sysctl.IPForward)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to read forwarding flag: %w", err)
	}

	snapshot := HostSnapshot{
		DefaultInterface:     defaultInterface,
		ForwardingWasEnabled: forwarding == "1",
	}
	g.logger.Info("host state captured",
		zap.String("default_interface", snapshot.DefaultInterface),
		zap.Bool("forwarding_enabled", snapshot.ForwardingWasEnabled),
	)
	return snapshot, nil
}
