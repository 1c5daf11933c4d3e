// Package session implements the lifecycle of one isolated egress
// session: acquire the namespace, link, addressing, and egress rules in
// order, run the interactive session, and release everything in reverse
// regardless of how the session ends.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/easzlab/ezns/pkg/config"
	"github.com/easzlab/ezns/pkg/nat"
	"github.com/easzlab/ezns/pkg/netx"
	"github.com/easzlab/ezns/pkg/preflight"
	"github.com/easzlab/ezns/pkg/sysctl"
	"go.uber.org/zap"
)

// undoStep is one release action registered during setup. manual names
// the host-state mutation an operator must correct if the release fails.
type undoStep struct {
	name   string
	manual string
	fn     func() error
}

// Manager owns the isolated namespace, the veth pair, and the installed
// egress rules for the duration of one invocation.
type Manager struct {
	cfg    *config.Config
	snap   preflight.HostSnapshot
	net    netx.Handle
	nat    nat.Manager
	sys    sysctl.Interface
	runner Runner
	logger *zap.Logger

	state State
	undo  []undoStep

	mu   sync.Mutex
	proc *os.Process
}

// NewManager creates a session Manager wired to the real kernel
// interfaces for this platform.
func NewManager(cfg *config.Config, snap preflight.HostSnapshot, netHandle netx.Handle, logger *zap.Logger) (*Manager, error) {
	natMgr, err := nat.NewManager(logger.Named("nat"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nat manager: %w", err)
	}
	return newManagerWith(cfg, snap, netHandle, natMgr, sysctl.New(), NewRunner(logger.Named("runner")), logger), nil
}

// newManagerWith creates a Manager with pre-initialized dependencies.
// This is used in tests to inject fakes.
func newManagerWith(cfg *config.Config, snap preflight.HostSnapshot, netHandle netx.Handle,
	natMgr nat.Manager, sys sysctl.Interface, runner Runner, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		snap:   snap,
		net:    netHandle,
		nat:    natMgr,
		sys:    sys,
		runner: runner,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// Run performs the full session lifecycle: setup, session, teardown.
// Teardown always runs, covering exactly the steps that succeeded; the
// session's own exit status is not propagated as Run's error.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.setup(ctx); err != nil {
		m.logger.Error("setup failed, tearing down partial state",
			zap.String("state", m.state.String()),
			zap.Error(err),
		)
		if teardownErr := m.teardown(); teardownErr != nil {
			return errors.Join(err, teardownErr)
		}
		return err
	}

	m.state = StateSessionRunning
	m.logger.Info("session starting",
		zap.String("namespace", m.cfg.Session.Namespace),
		zap.String("program", m.cfg.Session.Program),
	)

	runErr := m.runner.Run(ctx, m.cfg.Session.Namespace, m.cfg.Session.Program, m.cfg.Session.Args, m.sessionStarted)
	m.mu.Lock()
	m.proc = nil
	m.mu.Unlock()
	if runErr != nil {
		m.logger.Warn("session ended", zap.Error(runErr))
	} else {
		m.logger.Info("session ended")
	}

	return m.teardown()
}

// Signal forwards sig to the running session process. It reports whether
// a session was running to receive it.
func (m *Manager) Signal(sig os.Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return false
	}
	if err := m.proc.Signal(sig); err != nil {
		m.logger.Warn("failed to forward signal to session", zap.Error(err))
	}
	return true
}

func (m *Manager) sessionStarted(proc *os.Process) {
	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()
}

func (m *Manager) pushUndo(name, manual string, fn func() error) {
	m.undo = append(m.undo, undoStep{name: name, manual: manual, fn: fn})
}

// setup walks the forward acquisition sequence. Every acquisition
// registers its release before the next step runs, so a failure at any
// point leaves a teardown stack covering exactly what exists.
func (m *Manager) setup(ctx context.Context) error {
	subnet, err := m.tunnelSubnet()
	if err != nil {
		return err
	}
	hostIP, peerIP := tunnelHosts(subnet)
	hostCIDR := fmt.Sprintf("%s/30", hostIP)
	peerCIDR := fmt.Sprintf("%s/30", peerIP)

	pid := os.Getpid()
	hostLink := m.cfg.Session.HostLinkName(pid)
	peerLink := m.cfg.Session.PeerLinkName(pid)
	namespace := m.cfg.Session.Namespace

	m.logger.Info("tunnel addressing selected",
		zap.String("subnet", subnet.String()),
		zap.String("host_end", hostCIDR),
		zap.String("domain_end", peerCIDR),
	)

	// Step 1: isolated domain.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}
	if err := m.net.CreateNamespace(namespace); err != nil {
		return &ResourceError{Step: "create namespace " + namespace, Err: err}
	}
	m.pushUndo("delete namespace", "network namespace "+namespace, func() error {
		return m.net.DeleteNamespace(namespace)
	})
	m.state = StateDomainCreated

	// Step 2: link pair, host end up, domain end moved in.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}
	if err := m.net.CreateVethPair(hostLink, peerLink); err != nil {
		return &ResourceError{Step: "create link pair " + hostLink + "/" + peerLink, Err: err}
	}
	// Deleting either end removes the pair, even once the peer has moved
	// into the namespace.
	m.pushUndo("delete link pair", "link "+hostLink, func() error {
		return m.net.DeleteLink(hostLink)
	})
	if err := m.net.SetLinkUp(hostLink); err != nil {
		return &ResourceError{Step: "bring up link " + hostLink, Err: err}
	}
	if err := m.net.MoveLinkToNamespace(peerLink, namespace); err != nil {
		return &ResourceError{Step: "move link " + peerLink + " into namespace", Err: err}
	}
	m.state = StateLinkAttached

	// Step 3: addressing on both ends, default route inside the domain.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}
	if err := m.net.AddAddress(hostLink, hostCIDR); err != nil {
		return &ResourceError{Step: "assign " + hostCIDR + " to " + hostLink, Err: err}
	}
	m.state = StateAddressesConfigured
	if err := m.net.SetupNamespace(namespace, peerLink, peerCIDR, hostIP); err != nil {
		return &ResourceError{Step: "configure namespace " + namespace, Err: err}
	}
	m.state = StateRoutesConfigured

	// Step 4: enable forwarding, remembering the snapshotted prior value.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}
	priorForwarding := "0"
	if m.snap.ForwardingWasEnabled {
		priorForwarding = "1"
	}
	if err := m.sys.Set(sysctl.IPForward, "1"); err != nil {
		return &ResourceError{Step: "enable forwarding", Err: err}
	}
	m.pushUndo("restore forwarding flag", "sysctl "+sysctl.IPForward, func() error {
		return m.sys.Set(sysctl.IPForward, priorForwarding)
	})
	m.state = StateForwardingEnabled

	// Step 5: egress policy.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}
	policy := nat.EgressPolicy{
		OutInterface: m.snap.DefaultInterface,
		MatchSource:  peerIP.String(),
		SourceIP:     m.cfg.Session.SourceIP,
	}
	if !policy.Masquerade() {
		for _, iface := range []string{"all", m.snap.DefaultInterface, hostLink} {
			if err := m.enableProxyARP(iface); err != nil {
				return err
			}
		}
		// Return route so replies to the spoofed address loop back into
		// the domain. It dies with the host link, no separate release.
		if err := m.net.AddRoute(m.cfg.Session.SourceIP+"/32", nil, hostLink); err != nil {
			return &ResourceError{Step: "add return route for " + m.cfg.Session.SourceIP, Err: err}
		}
	}
	if err := m.nat.Install(policy); err != nil {
		return &ResourceError{Step: "install egress policy", Err: err}
	}
	m.pushUndo("remove egress policy", "iptables rules ("+policy.String()+")", func() error {
		return m.nat.Remove()
	})
	m.state = StatePolicyInstalled

	return nil
}

// enableProxyARP flips proxy-ARP on for one interface, capturing its
// observed prior value for restoration at teardown.
func (m *Manager) enableProxyARP(iface string) error {
	key := sysctl.ProxyARP(iface)
	prior, err := m.sys.Get(key)
	if err != nil {
		return &ResourceError{Step: "read proxy-arp setting on " + iface, Err: err}
	}
	if err := m.sys.Set(key, "1"); err != nil {
		return &ResourceError{Step: "enable proxy-arp on " + iface, Err: err}
	}
	m.pushUndo("restore proxy-arp on "+iface, "sysctl "+key, func() error {
		return m.sys.Set(key, prior)
	})
	return nil
}

// teardown releases every acquired resource in reverse order. Release
// failures are collected, not short-circuited: a dangling rule is worse
// than a reported-but-otherwise-complete cleanup.
func (m *Manager) teardown() error {
	if len(m.undo) == 0 {
		m.state = StateIdle
		return nil
	}
	m.state = StateTearingDown
	m.logger.Info("tearing down", zap.Int("steps", len(m.undo)))

	var teardownErrors []error
	var manual []string
	for i := len(m.undo) - 1; i >= 0; i-- {
		step := m.undo[i]
		if err := step.fn(); err != nil {
			teardownErrors = append(teardownErrors, fmt.Errorf("%s: %w", step.name, err))
			manual = append(manual, step.manual)
			m.logger.Error("teardown step failed", zap.String("step", step.name), zap.Error(err))
			continue
		}
		m.logger.Info("teardown step complete", zap.String("step", step.name))
	}
	m.undo = nil
	m.state = StateIdle

	if len(teardownErrors) > 0 {
		return &TeardownError{Manual: manual, err: errors.Join(teardownErrors...)}
	}
	return nil
}

// tunnelSubnet resolves the /30 used for the veth endpoints, either the
// configured subnet or one discovered from the host route table.
func (m *Manager) tunnelSubnet() (*net.IPNet, error) {
	if m.cfg.Session.TunnelSubnet != config.TunnelSubnetAuto {
		_, subnet, err := net.ParseCIDR(m.cfg.Session.TunnelSubnet)
		if err != nil {
			return nil, fmt.Errorf("invalid tunnel subnet %q: %w", m.cfg.Session.TunnelSubnet, err)
		}
		return subnet, nil
	}
	routes, err := m.net.ListRoutes()
	if err != nil {
		return nil, fmt.Errorf("failed to list routes for subnet discovery: %w", err)
	}
	return preflight.FindTunnelSubnet(routes)
}

// tunnelHosts returns the two usable addresses of a /30: the first for
// the host end, the second for the domain end.
func tunnelHosts(subnet *net.IPNet) (hostIP, peerIP net.IP) {
	base := binary.BigEndian.Uint32(subnet.IP.To4())

	hostIP = make(net.IP, 4)
	binary.BigEndian.PutUint32(hostIP, base+1)
	peerIP = make(net.IP, 4)
	binary.BigEndian.PutUint32(peerIP, base+2)
	return hostIP, peerIP
}
