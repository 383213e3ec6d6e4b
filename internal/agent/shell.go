package agent

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// runShell executes one shell command as a child process with stdin piped in
// and stdout/stderr captured. The returned code is the child's exit code, or
// -1 when the process died without one (killed by signal) or never started.
// A start failure surfaces as code -1 with the error text on stderr so the
// operator sees why nothing ran.
func runShell(ctx context.Context, cmd string, args []string, stdin []byte) (code int32, stdout, stderr []byte) {
	child := exec.CommandContext(ctx, cmd, args...)

	var outBuf, errBuf bytes.Buffer
	child.Stdout = &outBuf
	child.Stderr = &errBuf
	if len(stdin) > 0 {
		child.Stdin = bytes.NewReader(stdin)
	}

	err := child.Run()
	stdout = outBuf.Bytes()
	stderr = errBuf.Bytes()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ExitCode is -1 when the process was terminated by a signal.
			return int32(exitErr.ExitCode()), stdout, stderr
		}
		// The process never ran (command not found, permission denied).
		return -1, stdout, append(stderr, []byte(err.Error())...)
	}
	return 0, stdout, stderr
}
