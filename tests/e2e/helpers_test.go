//go:build linux

package e2e

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// requireRoot skips the test unless it runs with root privilege.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
}

// runEzns executes the ezns binary with the given arguments and asserts a
// successful exit. Returns the combined stdout and stderr output.
func runEzns(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(eznsBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("ezns %v failed: %v\nstdout: %s\nstderr: %s",
			args, err, stdout.String(), stderr.String())
	}
	return stdout.String() + stderr.String()
}

// runEznsExpectFailure executes ezns and expects a non-zero exit code.
// Returns the combined output.
func runEznsExpectFailure(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(eznsBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected ezns %v to fail, but it succeeded\nstdout: %s\nstderr: %s",
			args, stdout.String(), stderr.String())
	}
	return stdout.String() + stderr.String()
}

// namespaceExists reports whether a named network namespace is visible to
// the ip utility.
func namespaceExists(t *testing.T, name string) bool {
	t.Helper()
	output, err := exec.Command("ip", "netns", "list").Output()
	if err != nil {
		t.Fatalf("ip netns list failed: %v", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

// proxyARPSnapshot reads the proxy_arp flag of every interface known to
// /proc/sys, keyed by interface name.
func proxyARPSnapshot(t *testing.T) map[string]string {
	t.Helper()
	entries, err := os.ReadDir("/proc/sys/net/ipv4/conf")
	if err != nil {
		t.Fatalf("failed to list /proc/sys/net/ipv4/conf: %v", err)
	}
	snapshot := make(map[string]string, len(entries))
	for _, entry := range entries {
		value, err := os.ReadFile("/proc/sys/net/ipv4/conf/" + entry.Name() + "/proxy_arp")
		if err != nil {
			t.Fatalf("failed to read proxy_arp for %s: %v", entry.Name(), err)
		}
		snapshot[entry.Name()] = strings.TrimSpace(string(value))
	}
	return snapshot
}

// natRuleCount returns how many nat POSTROUTING rules match the pattern.
func natRuleCount(t *testing.T, pattern string) int {
	t.Helper()
	output, err := exec.Command("iptables", "-t", "nat", "-S", "POSTROUTING").Output()
	if err != nil {
		t.Fatalf("iptables -t nat -S POSTROUTING failed: %v", err)
	}
	count := 0
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, pattern) {
			count++
		}
	}
	return count
}
