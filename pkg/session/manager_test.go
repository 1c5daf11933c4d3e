package session

import (
	"context"
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/easzlab/ezns/pkg/config"
	"github.com/easzlab/ezns/pkg/nat"
	"github.com/easzlab/ezns/pkg/netx"
	"github.com/easzlab/ezns/pkg/preflight"
	"github.com/easzlab/ezns/pkg/sysctl"
	"go.uber.org/zap"
)

// testEnv bundles a Manager with the fakes behind it.
type testEnv struct {
	cfg      *config.Config
	handle   *netx.FakeHandle
	natMgr   *nat.FakeManager
	sys      *sysctl.Fake
	runner   *FakeRunner
	mgr      *Manager
	hostLink string
	peerLink string
	initial  map[string]string
}

func newTestEnv(t *testing.T, sourceIP string) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{LogLevel: "info"},
		Session: config.SessionConfig{
			Namespace:    "ezns",
			LinkPrefix:   "ezns",
			TunnelSubnet: "172.31.254.252/30",
			Program:      "/bin/sh",
			SourceIP:     sourceIP,
		},
	}

	pid := os.Getpid()
	hostLink := cfg.Session.HostLinkName(pid)
	peerLink := cfg.Session.PeerLinkName(pid)

	handle := netx.NewFakeHandle()
	handle.SeedRoute(netx.Route{Dst: nil, LinkName: "eth0"})

	sys := sysctl.NewFake(map[string]string{
		sysctl.IPForward:          "0",
		sysctl.ProxyARP("all"):    "0",
		sysctl.ProxyARP("eth0"):   "0",
		sysctl.ProxyARP(hostLink): "0",
	})

	snapshot := preflight.HostSnapshot{
		DefaultInterface:     "eth0",
		ForwardingWasEnabled: false,
	}

	natMgr := nat.NewFakeManager(zap.NewNop())
	runner := &FakeRunner{}
	mgr := newManagerWith(cfg, snapshot, handle, natMgr, sys, runner, zap.NewNop())

	return &testEnv{
		cfg:      cfg,
		handle:   handle,
		natMgr:   natMgr,
		sys:      sys,
		runner:   runner,
		mgr:      mgr,
		hostLink: hostLink,
		peerLink: peerLink,
		initial:  sys.Snapshot(),
	}
}

// assertHostStateRestored checks the idempotent round-trip property: after
// Run the observable host state must match what was there before.
func (env *testEnv) assertHostStateRestored(t *testing.T) {
	t.Helper()
	if !reflect.DeepEqual(env.sys.Snapshot(), env.initial) {
		t.Errorf("sysctl state not restored: got %v, want %v", env.sys.Snapshot(), env.initial)
	}
	if rules := env.natMgr.Installed(); len(rules) != 0 {
		t.Errorf("expected 0 iptables rules after session, got %d", len(rules))
	}
	if count := env.handle.NamespaceCount(); count != 0 {
		t.Errorf("expected 0 namespaces after session, got %d", count)
	}
	if count := env.handle.LinkCount(); count != 0 {
		t.Errorf("expected 0 links after session, got %d", count)
	}
	if state := env.mgr.State(); state != StateIdle {
		t.Errorf("expected state idle after session, got %s", state)
	}
}

func TestRun_MasqueradeRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")

	var midRules []nat.Rule
	var midForwarding string
	env.runner.OnRun = func() {
		midRules = env.natMgr.Installed()
		midForwarding, _ = env.sys.Get(sysctl.IPForward)
	}

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !env.runner.Ran {
		t.Fatal("expected session to run")
	}
	if env.runner.Namespace != "ezns" {
		t.Errorf("expected session in namespace ezns, got %q", env.runner.Namespace)
	}
	if env.runner.Program != "/bin/sh" {
		t.Errorf("expected program /bin/sh, got %q", env.runner.Program)
	}

	if len(midRules) != 2 {
		t.Fatalf("expected 2 rules while session runs, got %d", len(midRules))
	}
	natSpec := strings.Join(midRules[0].Spec, " ")
	if natSpec != "-o eth0 -j MASQUERADE" {
		t.Errorf("unexpected masquerade rule spec %q", natSpec)
	}
	if midForwarding != "1" {
		t.Errorf("expected forwarding enabled while session runs, got %q", midForwarding)
	}

	env.assertHostStateRestored(t)
}

func TestRun_SourceNATRoundTrip(t *testing.T) {
	env := newTestEnv(t, "10.0.0.5")

	var midRules []nat.Rule
	midProxyARP := make(map[string]string)
	env.runner.OnRun = func() {
		midRules = env.natMgr.Installed()
		for _, iface := range []string{"all", "eth0", env.hostLink} {
			midProxyARP[iface], _ = env.sys.Get(sysctl.ProxyARP(iface))
		}
	}

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(midRules) != 2 {
		t.Fatalf("expected 2 rules while session runs, got %d", len(midRules))
	}
	natSpec := strings.Join(midRules[0].Spec, " ")
	if natSpec != "-s 172.31.254.254 -j SNAT --to-source 10.0.0.5" {
		t.Errorf("unexpected snat rule spec %q", natSpec)
	}
	for iface, value := range midProxyARP {
		if value != "1" {
			t.Errorf("expected proxy-arp enabled on %s while session runs, got %q", iface, value)
		}
	}

	// The return route for the spoofed address must have been installed
	// through the host link.
	routes, err := env.handle.ListRoutes()
	if err != nil {
		t.Fatalf("ListRoutes failed: %v", err)
	}
	found := false
	for _, route := range routes {
		if route.Dst != nil && route.Dst.String() == "10.0.0.5/32" && route.LinkName == env.hostLink {
			found = true
		}
	}
	if !found {
		t.Error("expected a 10.0.0.5/32 route via the host link")
	}

	env.assertHostStateRestored(t)
}

func TestRun_ForwardingRestoredToPriorEnabled(t *testing.T) {
	env := newTestEnv(t, "")
	env.sys.Set(sysctl.IPForward, "1")
	env.initial = env.sys.Snapshot()
	env.mgr.snap.ForwardingWasEnabled = true

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Forwarding was on before the session; it must stay on, not be
	// unconditionally disabled.
	value, _ := env.sys.Get(sysctl.IPForward)
	if value != "1" {
		t.Errorf("expected forwarding still enabled after session, got %q", value)
	}
}

func TestRun_SessionErrorNotPropagated(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.Err = errors.New("exit status 127")

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("expected Run to succeed despite session error, got: %v", err)
	}
	env.assertHostStateRestored(t)
}

func TestRun_SetupFailureAtNamespace(t *testing.T) {
	env := newTestEnv(t, "")
	injected := errors.New("name collision")
	env.handle.FailOn("CreateNamespace", injected)

	err := env.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var resourceErr *ResourceError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected ResourceError, got: %v", err)
	}
	if !errors.Is(err, injected) {
		t.Errorf("expected wrapped cause, got: %v", err)
	}
	if env.runner.Ran {
		t.Error("expected session not to run after setup failure")
	}
	env.assertHostStateRestored(t)
}

func TestRun_SetupFailureAtLinkPair(t *testing.T) {
	env := newTestEnv(t, "")
	env.handle.FailOn("CreateVethPair", errors.New("device busy"))

	err := env.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	// Only the namespace existed at the failure point; it must be gone,
	// and nothing later (forwarding, rules) must have been touched.
	env.assertHostStateRestored(t)
}

func TestRun_SetupFailureAtPolicyInstall(t *testing.T) {
	env := newTestEnv(t, "10.0.0.5")
	env.natMgr.InstallErr = errors.New("iptables unavailable")

	err := env.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if env.runner.Ran {
		t.Error("expected session not to run after setup failure")
	}
	// Everything up to the policy, including proxy-arp and forwarding,
	// must have been rolled back.
	env.assertHostStateRestored(t)
}

func TestRun_TeardownFailureReported(t *testing.T) {
	env := newTestEnv(t, "")
	env.natMgr.RemoveErr = errors.New("rule vanished")

	err := env.mgr.Run(context.Background())
	if err == nil {
		t.Fatal("expected teardown error, got nil")
	}
	var teardownErr *TeardownError
	if !errors.As(err, &teardownErr) {
		t.Fatalf("expected TeardownError, got: %v", err)
	}
	if len(teardownErr.Manual) == 0 {
		t.Error("expected manual-correction hints in teardown error")
	}

	// The failed rule removal must not have stopped the remaining
	// release steps.
	if count := env.handle.NamespaceCount(); count != 0 {
		t.Errorf("expected namespace deleted despite earlier failure, got %d", count)
	}
	value, _ := env.sys.Get(sysctl.IPForward)
	if value != "0" {
		t.Errorf("expected forwarding restored despite earlier failure, got %q", value)
	}
}

func TestRun_CancelledBeforeSetup(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.mgr.Run(ctx)
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if env.runner.Ran {
		t.Error("expected session not to run")
	}
	env.assertHostStateRestored(t)
}

func TestRun_AutoTunnelSubnet(t *testing.T) {
	env := newTestEnv(t, "")
	env.cfg.Session.TunnelSubnet = config.TunnelSubnetAuto
	// Occupy 172.16.0.0/24 so discovery must move past it.
	env.handle.SeedRoute(netx.Route{Dst: mustCIDR(t, "172.16.0.0/24"), LinkName: "eth0"})

	var midAddrs []string
	env.runner.OnRun = func() {
		midAddrs = env.handle.LinkAddresses(env.hostLink)
	}

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(midAddrs) != 1 || midAddrs[0] != "172.16.1.1/30" {
		t.Errorf("expected discovered host address 172.16.1.1/30, got %v", midAddrs)
	}
}

func TestRun_LinkAndNamespaceStateWhileRunning(t *testing.T) {
	env := newTestEnv(t, "")

	env.runner.OnRun = func() {
		if !env.handle.LinkUp(env.hostLink) {
			t.Error("expected host link up while session runs")
		}
		if ns := env.handle.LinkNamespace(env.peerLink); ns != "ezns" {
			t.Errorf("expected peer link inside namespace ezns, got %q", ns)
		}
		addrs := env.handle.LinkAddresses(env.hostLink)
		if len(addrs) != 1 || addrs[0] != "172.31.254.253/30" {
			t.Errorf("expected host address 172.31.254.253/30, got %v", addrs)
		}
		peerAddrs := env.handle.LinkAddresses(env.peerLink)
		if len(peerAddrs) != 1 || peerAddrs[0] != "172.31.254.254/30" {
			t.Errorf("expected peer address 172.31.254.254/30, got %v", peerAddrs)
		}
	}

	if err := env.mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	env.assertHostStateRestored(t)
}

func mustCIDR(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("bad CIDR %q: %v", cidr, err)
	}
	return subnet
}
