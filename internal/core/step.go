package core

import (
	"fmt"
	"path/filepath"
)

// StepKind discriminates how a step is carried out.
type StepKind string

const (
	// StepExec invokes an external tool and gates on its exit code.
	StepExec StepKind = "exec"

	// StepCopy copies a single declared input verbatim to a single
	// declared output.
	StepCopy StepKind = "copy"

	// StepClean removes files matching the step's patterns.
	StepClean StepKind = "clean"
)

// Step is a declarative definition of one unit of build work.
//
// All paths are absolute; the pipeline layer resolves relative paths before
// constructing steps so that execution never consults the process CWD.
type Step struct {
	// Name is the graph-unique identifier, e.g. "hello:compile".
	Name string `json:"name"`

	// Kind selects the execution strategy.
	Kind StepKind `json:"kind"`

	// Argv is the full command line for exec steps, program first.
	Argv []string `json:"argv,omitempty"`

	// Inputs are the files whose content this step consumes. The step is
	// stale whenever any input is newer than the oldest output.
	Inputs []string `json:"inputs,omitempty"`

	// Outputs are the files this step produces. Outputs of a failed step
	// are removed so no partial artifact survives.
	Outputs []string `json:"outputs,omitempty"`

	// Env holds extra environment variables layered over the host
	// environment. Build tools resolve via PATH, so unlike a hermetic
	// task runner the host environment is passed through.
	Env map[string]string `json:"env,omitempty"`

	// Patterns are the glob patterns removed by clean steps.
	Patterns []string `json:"patterns,omitempty"`

	// AlwaysRun marks steps that are never up to date, such as running the
	// produced binary under the simulator.
	AlwaysRun bool `json:"always_run,omitempty"`
}

// Validate rejects structurally invalid steps before they enter a graph.
func (s *Step) Validate() error {
	if s == nil {
		return fmt.Errorf("step is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("step name is required")
	}
	switch s.Kind {
	case StepExec:
		if len(s.Argv) == 0 {
			return fmt.Errorf("step %q: exec step requires argv", s.Name)
		}
	case StepCopy:
		if len(s.Inputs) != 1 || len(s.Outputs) != 1 {
			return fmt.Errorf("step %q: copy step requires exactly one input and one output", s.Name)
		}
	case StepClean:
		if len(s.Patterns) == 0 {
			return fmt.Errorf("step %q: clean step requires patterns", s.Name)
		}
	default:
		return fmt.Errorf("step %q: unknown kind %q", s.Name, s.Kind)
	}
	for _, p := range append(append([]string{}, s.Inputs...), s.Outputs...) {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("step %q: path %q is not absolute", s.Name, p)
		}
	}
	return nil
}
