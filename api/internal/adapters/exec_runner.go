package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// maxOutputInError keeps command output in error messages readable.
const maxOutputInError = 2048

// ExecRunner implements domain.CommandRunner with os/exec. Arguments are passed
// as a vector and never through a shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.Bytes(), &CommandError{Command: name + " " + strings.Join(args, " "), Output: out.String(), Err: err}
	}
	return out.Bytes(), nil
}

// CommandError is a failed host command together with what it printed.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	output := strings.TrimSpace(e.Output)
	if len(output) > maxOutputInError {
		output = output[:maxOutputInError] + "..."
	}
	if output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, output)
}

func (e *CommandError) Unwrap() error { return e.Err }
