package session

import (
	"fmt"
	"strings"
)

// ResourceError indicates a forward setup step failed at the kernel level.
// It triggers teardown of exactly the steps that had already succeeded.
type ResourceError struct {
	Step string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Step, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// TeardownError aggregates failures from the teardown sequence. Every
// release step is attempted regardless of earlier failures; Manual lists
// the host-state mutations that may require manual correction.
type TeardownError struct {
	Manual []string
	err    error
}

func (e *TeardownError) Error() string {
	var b strings.Builder
	b.WriteString("teardown incomplete: ")
	b.WriteString(e.err.Error())
	if len(e.Manual) > 0 {
		b.WriteString("; manual correction may be needed for: ")
		b.WriteString(strings.Join(e.Manual, ", "))
	}
	return b.String()
}

func (e *TeardownError) Unwrap() error {
	return e.err
}
