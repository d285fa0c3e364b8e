package dag

import (
	"context"
	"fmt"

	"binforge/internal/core"
)

// NodeResult is the deterministic outcome of executing (or satisfying) a
// single step.
//
// The executor uses it to commit the correct terminal state
// (COMPLETED/FAILED/UPTODATE) and to record stable per-step results.
type NodeResult struct {
	Hash core.StepHash

	Stdout   []byte
	Stderr   []byte
	ExitCode int

	UpToDate    bool
	StaleReason string
	Removed     []string
}

// StepRunner executes a single step.
//
// Run treats non-zero exit codes as step failures via the returned ExitCode.
// A non-nil error indicates an infrastructure failure (e.g. inability to
// start a process).
type StepRunner interface {
	// Probe checks whether the step is already satisfied on disk.
	// If fresh is true, result must be non-nil and UpToDate must be true.
	// If fresh is false, the result carries the staleness reason.
	Probe(ctx context.Context, step core.Step) (result *NodeResult, fresh bool, err error)

	Run(ctx context.Context, step core.Step) (*NodeResult, error)
}

// FreshRunner adapts core.Runner (freshness + stamps + tool invocation) to
// the graph executor.
type FreshRunner struct {
	Runner *core.Runner
}

func NewFreshRunner(r *core.Runner) (*FreshRunner, error) {
	if r == nil {
		return nil, fmt.Errorf("nil core runner")
	}
	return &FreshRunner{Runner: r}, nil
}

func (r *FreshRunner) Probe(_ context.Context, step core.Step) (*NodeResult, bool, error) {
	res, fresh, err := r.Runner.Probe(&step)
	if err != nil {
		return nil, false, err
	}
	return toNodeResult(res), fresh, nil
}

func (r *FreshRunner) Run(ctx context.Context, step core.Step) (*NodeResult, error) {
	res, err := r.Runner.Run(ctx, &step)
	if err != nil {
		return nil, err
	}
	return toNodeResult(res), nil
}

func toNodeResult(res *core.RunResult) *NodeResult {
	if res == nil {
		return nil
	}
	return &NodeResult{
		Hash:        res.Hash,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		UpToDate:    res.UpToDate,
		StaleReason: res.StaleReason,
		Removed:     res.Removed,
	}
}
