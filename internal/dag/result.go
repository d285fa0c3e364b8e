package dag

import (
	"sort"

	"binforge/internal/core"
)

// GraphResult is the deterministic summary of a graph execution attempt.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each step by name.
	FinalState ExecutionState

	// ExecutionOrder is the ordered list of steps that actually ran
	// (transitioned to RUNNING).
	ExecutionOrder []string

	// StepHashes records the deterministic per-step definition hash.
	StepHashes map[string]core.StepHash

	// Stdout/Stderr/ExitCode capture the per-step results.
	Stdout   map[string][]byte
	Stderr   map[string][]byte
	ExitCode map[string]int
}

// Failed returns the sorted-by-name list of steps that ended FAILED.
func (r *GraphResult) Failed() []string {
	if r == nil {
		return nil
	}
	failed := make([]string, 0)
	for name, st := range r.FinalState {
		if st == StepFailed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}
