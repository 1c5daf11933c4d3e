package session

import (
	"context"
	"os"
)

// Runner launches the interactive session inside the named namespace,
// inheriting the caller's terminal, and blocks until it terminates.
type Runner interface {
	Run(ctx context.Context, namespace, program string, args []string, onStart func(*os.Process)) error
}
