//go:build !linux

package nat

import "go.uber.org/zap"

// NewManager creates a fake in-memory Manager on non-Linux systems.
func NewManager(logger *zap.Logger) (Manager, error) {
	return NewFakeManager(logger), nil
}
