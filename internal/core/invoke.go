package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecutionResult contains the observable outcome of one tool invocation.
type ExecutionResult struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code.
	// 0 indicates success, non-zero indicates failure.
	ExitCode int
}

// Invoker runs external toolchain commands.
//
// Each invocation is synchronous: the caller blocks until the process exits
// or the context is cancelled. On cancellation the entire process group is
// killed so a hung assembler cannot leak children.
type Invoker struct {
	// Dir is the working directory for invoked tools.
	Dir string
}

// NewInvoker creates an Invoker rooted at dir.
func NewInvoker(dir string) *Invoker {
	return &Invoker{Dir: dir}
}

// Invoke runs argv (program first) with the host environment plus extra.
//
// A non-zero exit code is not an error: it is reported through
// ExecutionResult.ExitCode so the graph engine can apply fail-fast
// semantics. A returned error means the process could not be run at all
// (e.g. the tool is not installed).
func (v *Invoker) Invoke(ctx context.Context, argv []string, extra map[string]string) (*ExecutionResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = v.Dir
	cmd.Env = mergedEnv(extra)

	// Own process group so cancellation can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			// Negative PID targets the process group.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("invocation cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("running %q: %w", argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// mergedEnv layers extra variables over the host environment.
//
// Toolchain binaries are resolved via PATH and cc65 honors variables such as
// CC65_HOME, so the host environment is passed through rather than replaced.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
