// Package nat installs and removes the iptables rules that translate
// traffic leaving the isolated namespace.
package nat

import "fmt"

// EgressPolicy describes how traffic leaving the namespace is translated.
// With an empty SourceIP the policy masquerades via OutInterface; otherwise
// it rewrites the source of traffic from MatchSource to SourceIP.
type EgressPolicy struct {
	OutInterface string // default-route interface, masquerade target
	MatchSource  string // namespace-end address whose traffic is translated
	SourceIP     string // SNAT --to-source address; empty selects MASQUERADE
}

// Masquerade reports whether the policy uses plain masquerading rather
// than static source substitution.
func (p EgressPolicy) Masquerade() bool {
	return p.SourceIP == ""
}

// String returns a short human-readable description of the policy.
func (p EgressPolicy) String() string {
	if p.Masquerade() {
		return fmt.Sprintf("masquerade via %s", p.OutInterface)
	}
	return fmt.Sprintf("snat %s -> %s", p.MatchSource, p.SourceIP)
}

// Rule is the handle for one installed iptables rule. Removal uses the
// exact same table, chain, and spec that were used at install time, never
// a positional index.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

// Manager defines the interface for installing and removing egress rules.
type Manager interface {
	// Install applies the NAT rule and the FORWARD accept rule for the
	// policy, remembering each installed rule for later removal.
	Install(policy EgressPolicy) error

	// Remove deletes every rule installed by Install, in reverse order,
	// attempting all removals even if some fail.
	Remove() error

	// Installed returns handles for the currently installed rules.
	Installed() []Rule
}

// buildNATSpec constructs the nat POSTROUTING rule arguments for a policy.
func buildNATSpec(policy EgressPolicy) []string {
	if policy.Masquerade() {
		return []string{"-o", policy.OutInterface, "-j", "MASQUERADE"}
	}
	return []string{"-s", policy.MatchSource, "-j", "SNAT", "--to-source", policy.SourceIP}
}

// buildForwardSpec constructs the filter FORWARD accept rule arguments.
func buildForwardSpec(policy EgressPolicy) []string {
	return []string{"-s", policy.MatchSource, "-j", "ACCEPT"}
}
