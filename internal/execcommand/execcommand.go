// Package execcommand runs the operator-supplied shell command strings
// (failover_command, pg_start_command, pg_stop_command,
// over_warning_limit_command) without a subshell, splitting them into an
// argument vector the way the source daemon's execute_external_command did
// via the OS shell.
package execcommand

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// Result carries the exit code and captured output of a completed command,
// enough for the caller to decide whether the attempted action succeeded.
type Result struct {
	Command  string
	ExitCode int
	Output   string
}

// Run splits command using shell word-splitting rules and executes it,
// returning once the process exits. A blank command is a no-op returning a
// zero Result, matching configurations that leave a command unset.
func Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{Command: command}, nil
	}

	words, err := shellquote.Split(command)
	if err != nil {
		return Result{Command: command}, fmt.Errorf("execcommand: splitting %q: %w", command, err)
	}
	if len(words) == 0 {
		return Result{Command: command}, nil
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return Result{Command: command, ExitCode: -1, Output: string(out)},
				fmt.Errorf("execcommand: running %q: %w", command, runErr)
		}
	}

	return Result{
		Command:  command,
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   string(out),
	}, nil
}
