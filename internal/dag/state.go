package dag

// StepState is the runtime execution state of a node.
//
// This is intentionally separated from BuildGraph, which is immutable.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
	StepUpToDate  StepState = "UPTODATE"
)

// ExecutionState maps step name to its current StepState.
//
// It is intentionally a plain map so the scheduler can remain a pure function
// without coupling to an executor implementation.
type ExecutionState map[string]StepState
