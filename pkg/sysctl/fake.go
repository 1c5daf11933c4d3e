package sysctl

import (
	"fmt"
	"sync"
)

// Fake provides an in-memory sysctl Interface for development and testing.
type Fake struct {
	mu     sync.Mutex
	values map[string]string
}

// NewFake creates a Fake with the given initial key/value pairs.
func NewFake(initial map[string]string) *Fake {
	values := make(map[string]string, len(initial))
	for key, value := range initial {
		values[key] = value
	}
	return &Fake{values: values}
}

func (f *Fake) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("sysctl %s not found", key)
	}
	return value, nil
}

func (f *Fake) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

// Snapshot returns a copy of all current values, for test assertions.
func (f *Fake) Snapshot() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]string, len(f.values))
	for key, value := range f.values {
		result[key] = value
	}
	return result
}
