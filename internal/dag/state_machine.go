package dag

import (
	"container/heap"
	"fmt"
	"sort"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s StepState) bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepUpToDate:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependencies.
func IsSuccessful(s StepState) bool {
	switch s {
	case StepCompleted, StepUpToDate:
		return true
	default:
		return false
	}
}

// Transition performs an atomic validated transition for a single step.
//
// The caller supplies the expected prior state (from) to make races
// observable. This function mutates the provided state map if and only if
// the transition is valid.
func Transition(state ExecutionState, stepName string, from, to StepState) error {
	cur, ok := state[stepName]
	if !ok {
		return fmt.Errorf("unknown step in state: %q", stepName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", stepName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", stepName, from, to)
	}
	state[stepName] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepUpToDate || to == StepSkipped
	case StepRunning:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}

// FailAndPropagate transitions stepName from RUNNING to FAILED and
// immediately and transitively marks all downstream dependents as SKIPPED.
// Downstream stages of a failed stage are never attempted.
//
// It returns the sorted list of steps newly marked SKIPPED.
//
// Determinism:
//   - The set of skipped steps is defined purely by reachability.
//   - Traversal is in deterministic canonical index order.
//
// Safety: a downstream node observed RUNNING is an invariant violation (it
// indicates a missing synchronization bug).
func FailAndPropagate(g *BuildGraph, state ExecutionState, stepName string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[stepName]
	if !ok {
		return nil, fmt.Errorf("unknown step: %q", stepName)
	}

	cur, ok := state[stepName]
	if !ok {
		return nil, fmt.Errorf("unknown step in state: %q", stepName)
	}
	if cur != StepRunning && cur != StepFailed {
		return nil, fmt.Errorf("cannot fail %q from state %s", stepName, cur)
	}
	if cur == StepRunning {
		state[stepName] = StepFailed
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	skipped := make([]string, 0)
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		st, ok := state[name]
		if !ok {
			return nil, fmt.Errorf("missing state for %q", name)
		}

		switch st {
		case StepPending:
			state[name] = StepSkipped
			skipped = append(skipped, name)
		case StepRunning:
			return nil, fmt.Errorf("invariant violation: downstream step %q is RUNNING during failure propagation", name)
		default:
			// Terminal or already skipped. Leave unchanged.
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	sort.Strings(skipped)
	return skipped, nil
}
