//go:build linux

package nat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

// iptablesClient is the subset of go-iptables operations the manager uses.
type iptablesClient interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// linuxManager manages iptables rules on Linux using coreos/go-iptables.
// It only ever deletes rules it appended itself: a matching rule that was
// already present when the policy was installed belongs to the host and
// survives teardown.
type linuxManager struct {
	ipt       iptablesClient
	installed []Rule
	active    bool
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewManager creates a Manager backed by real iptables operations.
func NewManager(logger *zap.Logger) (Manager, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	return newLinuxManagerWith(ipt, logger), nil
}

// newLinuxManagerWith creates a linuxManager with a pre-initialized
// iptables client. This is used in tests to inject a fake client.
func newLinuxManagerWith(ipt iptablesClient, logger *zap.Logger) *linuxManager {
	return &linuxManager{
		ipt:    ipt,
		logger: logger,
	}
}

func (m *linuxManager) Install(policy EgressPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return fmt.Errorf("egress policy already installed")
	}

	rules := []Rule{
		{Table: "nat", Chain: "POSTROUTING", Spec: buildNATSpec(policy)},
		{Table: "filter", Chain: "FORWARD", Spec: buildForwardSpec(policy)},
	}

	for _, rule := range rules {
		exists, err := m.ipt.Exists(rule.Table, rule.Chain, rule.Spec...)
		if err != nil {
			m.removeLocked()
			return fmt.Errorf("failed to check %s/%s rule: %w", rule.Table, rule.Chain, err)
		}
		if exists {
			// The host already carries this exact rule. The policy is in
			// effect without us, and the rule is not ours to delete.
			m.logger.Info("iptables rule already present, left untouched",
				zap.String("table", rule.Table),
				zap.String("chain", rule.Chain),
				zap.Strings("spec", rule.Spec),
			)
			continue
		}
		if err := m.ipt.Append(rule.Table, rule.Chain, rule.Spec...); err != nil {
			// Roll back anything already applied so a half-installed
			// policy never survives.
			m.removeLocked()
			return fmt.Errorf("failed to install %s/%s rule: %w", rule.Table, rule.Chain, err)
		}
		m.installed = append(m.installed, rule)
		m.logger.Info("installed iptables rule",
			zap.String("table", rule.Table),
			zap.String("chain", rule.Chain),
			zap.Strings("spec", rule.Spec),
		)
	}
	m.active = true
	return nil
}

func (m *linuxManager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked()
}

// removeLocked deletes installed rules in reverse order, attempting every
// removal and aggregating failures. Caller must hold the lock.
func (m *linuxManager) removeLocked() error {
	var removeErrors []error
	for i := len(m.installed) - 1; i >= 0; i-- {
		rule := m.installed[i]
		if err := m.ipt.DeleteIfExists(rule.Table, rule.Chain, rule.Spec...); err != nil {
			removeErrors = append(removeErrors,
				fmt.Errorf("failed to remove %s/%s rule %v: %w", rule.Table, rule.Chain, rule.Spec, err))
			continue
		}
		m.logger.Info("removed iptables rule",
			zap.String("table", rule.Table),
			zap.String("chain", rule.Chain),
			zap.Strings("spec", rule.Spec),
		)
	}
	m.installed = nil
	m.active = false
	return errors.Join(removeErrors...)
}

func (m *linuxManager) Installed() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Rule, len(m.installed))
	copy(result, m.installed)
	return result
}
