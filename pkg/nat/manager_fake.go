package nat

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FakeManager provides an in-memory egress rule manager for development
// and testing without iptables.
type FakeManager struct {
	installed []Rule
	mu        sync.Mutex
	logger    *zap.Logger

	// InstallErr and RemoveErr, when set, are returned by the matching
	// operation to simulate iptables failures.
	InstallErr error
	RemoveErr  error
}

// NewFakeManager creates an empty in-memory Manager.
func NewFakeManager(logger *zap.Logger) *FakeManager {
	return &FakeManager{logger: logger}
}

func (m *FakeManager) Install(policy EgressPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InstallErr != nil {
		return m.InstallErr
	}
	if len(m.installed) > 0 {
		return fmt.Errorf("egress policy already installed")
	}
	m.installed = []Rule{
		{Table: "nat", Chain: "POSTROUTING", Spec: buildNATSpec(policy)},
		{Table: "filter", Chain: "FORWARD", Spec: buildForwardSpec(policy)},
	}
	m.logger.Debug("fake: installed egress policy", zap.String("policy", policy.String()))
	return nil
}

func (m *FakeManager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.installed = nil
	m.logger.Debug("fake: removed egress policy")
	return nil
}

func (m *FakeManager) Installed() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Rule, len(m.installed))
	copy(result, m.installed)
	return result
}
