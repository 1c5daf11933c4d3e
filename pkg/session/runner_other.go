//go:build !linux

package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// plainRunner runs the session without namespace isolation for
// development on non-Linux systems.
type plainRunner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner that, lacking network namespaces on this
// platform, runs the program directly.
func NewRunner(logger *zap.Logger) Runner {
	return &plainRunner{logger: logger}
}

func (r *plainRunner) Run(ctx context.Context, namespace, program string, args []string, onStart func(*os.Process)) error {
	r.logger.Warn("network namespaces unavailable, running session without isolation",
		zap.String("namespace", namespace))

	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %q: %w", program, err)
	}
	if onStart != nil {
		onStart(cmd.Process)
	}
	return cmd.Wait()
}
