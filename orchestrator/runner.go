package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// StepRunner executes one step invocation inside dir with extra environment
// variables.
type StepRunner interface {
	RunStep(ctx context.Context, dir string, inv Invocation, env []string) error
}

// StepError reports a step that did not complete.
type StepError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("step %s failed with exit code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExecRunner runs each step as a subprocess: "<Executable> step <name> --k v ...".
type ExecRunner struct {
	Executable string
	Stdout     io.Writer
	Stderr     io.Writer
}

// NewExecRunner re-invokes the running binary.
func NewExecRunner(stdout, stderr io.Writer) (*ExecRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecRunner{Executable: exe, Stdout: stdout, Stderr: stderr}, nil
}

func (r *ExecRunner) RunStep(ctx context.Context, dir string, inv Invocation, env []string) error {
	args := append([]string{"step", inv.Step}, inv.Args()...)
	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &StepError{Step: inv.Step, ExitCode: exitErr.ExitCode(), Err: err}
		}
		return &StepError{Step: inv.Step, Err: err}
	}
	return nil
}
