//go:build !linux

package netx

// NewHandle creates a fake in-memory Handle on non-Linux systems.
func NewHandle() (Handle, error) {
	return NewFakeHandle(), nil
}
