package session

import (
	"context"
	"os"
)

// FakeRunner records the session invocation instead of launching a
// process. Used by tests.
type FakeRunner struct {
	Err       error // returned as the session result
	Ran       bool
	Namespace string
	Program   string
	Args      []string

	// OnRun, when set, is called while the fake session is "running",
	// letting tests act mid-session.
	OnRun func()
}

func (r *FakeRunner) Run(ctx context.Context, namespace, program string, args []string, onStart func(*os.Process)) error {
	r.Ran = true
	r.Namespace = namespace
	r.Program = program
	r.Args = args
	if onStart != nil {
		onStart(nil)
	}
	if r.OnRun != nil {
		r.OnRun()
	}
	return r.Err
}
