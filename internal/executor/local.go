package executor

import (
	"context"
	"os/exec"
	"time"
)

// Local runs commands with /bin/sh on this machine. It is meant for
// single-host installs and tests; fleets use SSH.
type Local struct {
	Shell string
	Dir   string
	Env   []string
}

func NewLocal() *Local {
	return &Local{Shell: "/bin/sh"}
}

func (l *Local) Run(ctx context.Context, req Request) (Result, error) {
	return runAll(ctx, req, l.run)
}

func (l *Local) run(ctx context.Context, command string, out *BoundedBuffer) error {
	cmd := exec.CommandContext(ctx, l.Shell, "-c", command)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// children holding the pipes open must not outlive the deadline
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd.Run()
}
