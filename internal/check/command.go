package check

import (
	"context"
	"time"
)

// Command executes already macro-expanded command lines.
//
// Run starts the check and returns its command id immediately; the result is
// delivered later to the command's Listener. RunSync blocks until the result
// is available. Both produce exactly one Result per accepted check.
type Command interface {
	Name() string
	CommandLine() string
	Run(cmdline string, timeout time.Duration) (uint64, error)
	RunSync(ctx context.Context, cmdline string, timeout time.Duration) (Result, error)
	Close(ctx context.Context) error
}
