package recipe

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/shepherd/pkg/errkind"
)

// Runner executes a recipe command. Implementations capture stdout and
// stderr for diagnostics; output is never parsed.
type Runner interface {
	Run(ctx context.Context, command, dir string, env []string) (stdout, stderr string, err error)
}

// ShellRunner runs commands with /bin/sh -c, inheriting the process
// environment. The command is user-supplied shell and is treated as an
// opaque subprocess; nothing is ever interpolated into it.
type ShellRunner struct {
	// Timeout bounds the subprocess. Zero means no deadline.
	Timeout time.Duration
	// GracePeriod is how long after SIGTERM the process gets before SIGKILL.
	GracePeriod time.Duration
}

// Run executes command in dir. A non-zero exit is a recipe failure, an
// expired deadline is a transient error, and cancellation of ctx is reported
// as Cancelled.
func (r ShellRunner) Run(ctx context.Context, command, dir string, env []string) (string, string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On cancellation: SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := r.GracePeriod
	if grace == 0 {
		grace = 10 * time.Second
	}
	cmd.WaitDelay = grace

	err := cmd.Run()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			err = errkind.Wrap(errkind.Cancelled, "recipe exec", ctx.Err())
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = errkind.Errorf(errkind.TransientIO, "recipe exec", "command deadline exceeded after %s", r.Timeout)
		default:
			err = errkind.Errorf(errkind.RecipeFailed, "recipe exec",
				"command failed: %v (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}
