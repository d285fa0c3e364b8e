package core

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"binforge/internal/stamp"
)

// Runner executes single steps with freshness checking and stamping.
//
// The execution flow for a step:
//  1. Probe: if the step's outputs are fresh and its stamp matches, the step
//     is satisfied without running anything.
//  2. Run: carry out the step by kind; on success record a stamp, on failure
//     remove declared outputs so no partial artifact survives.
type Runner struct {
	// WorkDir is the directory external tools are invoked in.
	WorkDir string

	// Invoker runs exec steps as out-of-process commands.
	Invoker *Invoker

	// Stamps persists per-step definition hashes. Optional; without a
	// store, freshness falls back to pure mtime comparison.
	Stamps *stamp.Store
}

// NewRunner creates a Runner rooted at workDir.
func NewRunner(workDir string, stamps *stamp.Store) *Runner {
	return &Runner{
		WorkDir: workDir,
		Invoker: NewInvoker(workDir),
		Stamps:  stamps,
	}
}

// RunResult is the outcome of probing or running one step.
type RunResult struct {
	// Hash is the step definition hash.
	Hash StepHash

	// Stdout and Stderr are the captured tool output (exec steps only).
	Stdout []byte
	Stderr []byte

	// ExitCode is 0 on success. Copy and clean failures are reported as
	// exit code 1 with the cause on Stderr, mirroring tool failures.
	ExitCode int

	// UpToDate reports that the step was satisfied without executing.
	UpToDate bool

	// StaleReason is the staleness reason when the step had to execute.
	StaleReason string

	// Removed lists files deleted by a clean step.
	Removed []string
}

// Probe checks whether the step is already satisfied.
//
// If fresh is true, the result has UpToDate set. If fresh is false, the
// result still carries the step hash and the staleness reason so callers can
// record why the step is about to execute.
func (r *Runner) Probe(step *Step) (*RunResult, bool, error) {
	if err := step.Validate(); err != nil {
		return nil, false, err
	}
	hash := ComputeStepHash(step)

	f, err := CheckFreshness(step, hash, r.Stamps)
	if err != nil {
		return nil, false, errors.Wrapf(err, "checking freshness of %q", step.Name)
	}
	if !f.Fresh {
		return &RunResult{Hash: hash, StaleReason: f.Reason}, false, nil
	}
	return &RunResult{Hash: hash, UpToDate: true}, true, nil
}

// Run carries out the step.
//
// A non-nil error means the step could not be attempted (infrastructure
// failure); a step that ran and failed reports through ExitCode.
func (r *Runner) Run(ctx context.Context, step *Step) (*RunResult, error) {
	if err := step.Validate(); err != nil {
		return nil, err
	}
	hash := ComputeStepHash(step)

	switch step.Kind {
	case StepExec:
		return r.runExec(ctx, step, hash)
	case StepCopy:
		return r.runCopy(step, hash)
	case StepClean:
		return r.runClean(step, hash)
	default:
		return nil, fmt.Errorf("step %q: unknown kind %q", step.Name, step.Kind)
	}
}

func (r *Runner) runExec(ctx context.Context, step *Step, hash StepHash) (*RunResult, error) {
	res, err := r.Invoker.Invoke(ctx, step.Argv, step.Env)
	if err != nil {
		return nil, errors.Wrapf(err, "step %q", step.Name)
	}

	if res.ExitCode != 0 {
		// No partial artifacts: a failed stage leaves no valid output.
		r.discardOutputs(step)
		return &RunResult{
			Hash:     hash,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
		}, nil
	}

	if err := r.saveStamp(step.Name, hash); err != nil {
		return nil, err
	}
	return &RunResult{
		Hash:     hash,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}

func (r *Runner) runCopy(step *Step, hash StepHash) (*RunResult, error) {
	if err := copyFile(step.Inputs[0], step.Outputs[0]); err != nil {
		return &RunResult{
			Hash:     hash,
			Stderr:   []byte(err.Error() + "\n"),
			ExitCode: 1,
		}, nil
	}
	if err := r.saveStamp(step.Name, hash); err != nil {
		return nil, err
	}
	return &RunResult{Hash: hash}, nil
}

func (r *Runner) runClean(step *Step, hash StepHash) (*RunResult, error) {
	removed, err := removeMatching(step.Patterns)
	if err != nil {
		return &RunResult{
			Hash:     hash,
			Stderr:   []byte(err.Error() + "\n"),
			ExitCode: 1,
		}, nil
	}
	return &RunResult{Hash: hash, Removed: removed}, nil
}

// discardOutputs removes declared outputs after a failed execution.
// The staleness contract then forces a re-run on the next build.
func (r *Runner) discardOutputs(step *Step) {
	for _, out := range step.Outputs {
		_ = os.Remove(out)
	}
	if r.Stamps != nil {
		_ = r.Stamps.Remove(step.Name)
	}
}

func (r *Runner) saveStamp(name string, hash StepHash) error {
	if r.Stamps == nil {
		return nil
	}
	err := r.Stamps.Save(stamp.Stamp{StepName: name, Hash: hash.String()})
	if err != nil {
		return errors.Wrapf(err, "stamping %q", name)
	}
	return nil
}
