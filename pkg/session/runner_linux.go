//go:build linux

package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

// nsRunner runs the session by switching the spawning thread into the
// target namespace, starting the process there, and switching back.
type nsRunner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner that launches processes inside a named
// network namespace.
func NewRunner(logger *zap.Logger) Runner {
	return &nsRunner{logger: logger}
}

func (r *nsRunner) Run(ctx context.Context, namespace, program string, args []string, onStart func(*os.Process)) error {
	// The spawned process inherits the namespace of the thread that forks
	// it, so the thread must stay pinned from Set to the restoring Set.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("failed to open namespace %q: %w", namespace, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("failed to enter namespace %q: %w", namespace, err)
	}

	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	startErr := cmd.Start()

	// Return to the original namespace before blocking on the session, so
	// the rest of the process keeps operating on host state.
	if err := netns.Set(origin); err != nil {
		r.logger.Error("failed to return to original namespace", zap.Error(err))
	}

	if startErr != nil {
		return fmt.Errorf("failed to start %q: %w", program, startErr)
	}
	if onStart != nil {
		onStart(cmd.Process)
	}

	return cmd.Wait()
}
