package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"binforge/internal/core"
	"binforge/internal/trace"
)

// Executor executes a BuildGraph.
//
// The build engine resolves the dependency graph topologically: independent
// branches may run in parallel, but any chain sharing a producer/consumer
// relationship serializes on its edges.
type Executor struct {
	Graph  *BuildGraph
	Runner StepRunner

	// Sink receives build events. Optional; recording is inert and never
	// affects execution behavior.
	Sink trace.Sink

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with all steps initialized to PENDING.
func NewExecutor(g *BuildGraph, runner StepRunner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}

	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = StepPending
	}

	return &Executor{Graph: g, Runner: runner, state: state}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

func (e *Executor) record(ev trace.Event) {
	trace.SafeRecord(e.Sink, ev)
}

type resultAccumulator struct {
	order      []string
	stepHashes map[string]core.StepHash
	stdout     map[string][]byte
	stderr     map[string][]byte
	exitCodes  map[string]int
}

func newResultAccumulator(n int) *resultAccumulator {
	return &resultAccumulator{
		order:      make([]string, 0, n),
		stepHashes: make(map[string]core.StepHash, n),
		stdout:     make(map[string][]byte, n),
		stderr:     make(map[string][]byte, n),
		exitCodes:  make(map[string]int, n),
	}
}

func (a *resultAccumulator) note(name string, res *NodeResult) {
	a.stepHashes[name] = res.Hash
	a.stdout[name] = res.Stdout
	a.stderr[name] = res.Stderr
	a.exitCodes[name] = res.ExitCode
}

func (e *Executor) graphResult(acc *resultAccumulator) *GraphResult {
	return &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     e.StateSnapshot(),
		ExecutionOrder: acc.order,
		StepHashes:     acc.stepHashes,
		Stdout:         acc.stdout,
		Stderr:         acc.stderr,
		ExitCode:       acc.exitCodes,
	}
}

// commitFailure marks the step FAILED and propagates SKIPPED downstream,
// recording the corresponding trace events. Caller holds e.mu.
func (e *Executor) commitFailure(name string) error {
	skipped, err := FailAndPropagate(e.Graph, e.state, name)
	if err != nil {
		return err
	}
	e.record(trace.Event{Kind: trace.EventStepFailed, StepID: name})
	for _, s := range skipped {
		e.record(trace.Event{Kind: trace.EventStepSkipped, StepID: s, Reason: "UpstreamFailed", CauseStepID: name})
	}
	return nil
}

// RunSerial executes the graph in serial mode.
//
// Determinism:
//   - All state mutations are guarded by a single mutex.
//   - The scheduler is polled deterministically.
//   - The next step chosen is always the first element of the scheduler's
//     ordered list.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	acc := newResultAccumulator(len(e.Graph.nodes))

	for {
		e.mu.Lock()
		ready := ReadySteps(e.Graph, e.state)

		if len(ready) == 0 {
			// No runnable steps: either finished, or deadlocked due to
			// inconsistent state.
			allTerminal := true
			for _, st := range e.state {
				if !IsTerminal(st) {
					allTerminal = false
					break
				}
			}
			e.mu.Unlock()

			if allTerminal {
				return e.graphResult(acc), nil
			}
			return nil, fmt.Errorf("no ready steps but graph not finished")
		}

		next := ready[0]
		step := e.Graph.nodesByName[next].Step

		probeRes, fresh, err := e.Runner.Probe(ctx, step)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("probing %q: %w", next, err)
		}
		if fresh {
			if probeRes == nil {
				e.mu.Unlock()
				return nil, fmt.Errorf("probing %q: nil result", next)
			}
			if err := Transition(e.state, next, StepPending, StepUpToDate); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			acc.note(next, probeRes)
			e.record(trace.Event{Kind: trace.EventStepUpToDate, StepID: next})
			e.mu.Unlock()
			continue
		}
		if probeRes != nil && probeRes.StaleReason != "" {
			e.record(trace.Event{Kind: trace.EventStepInvalidated, StepID: next, Reason: probeRes.StaleReason})
		}

		if err := Transition(e.state, next, StepPending, StepRunning); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()

		// Execute outside the lock.
		runRes, err := e.Runner.Run(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("executing %q: %w", next, err)
		}
		if runRes == nil {
			return nil, fmt.Errorf("executing %q: nil result", next)
		}

		e.mu.Lock()
		acc.order = append(acc.order, next)
		acc.note(next, runRes)

		if runRes.ExitCode == 0 {
			if err := Transition(e.state, next, StepRunning, StepCompleted); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.record(trace.Event{Kind: trace.EventStepExecuted, StepID: next})
			e.mu.Unlock()
			continue
		}

		if err := e.commitFailure(next); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()
	}
}

type workItem struct {
	name string
	step core.Step
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// RunParallel executes the graph using up to `concurrency` workers.
//
// Determinism strategy:
//   - Depth-staged dispatch: steps are dispatched in increasing topological
//     depth, so a stage never starts before everything it can possibly
//     depend on has settled.
//   - Within the same depth: lexical order by step name.
//
// All state reads/writes are synchronized by e.mu. Step execution happens
// outside the lock.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	maxDepth := 0
	for _, d := range e.Graph.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	byDepth := make([][]string, maxDepth+1)
	for _, n := range e.Graph.nodes {
		byDepth[e.Graph.depth[n.canonicalIndex]] = append(byDepth[e.Graph.depth[n.canonicalIndex]], n.Name)
	}
	for d := range byDepth {
		sort.Strings(byDepth[d])
	}

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan workResult, concurrency)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, err := e.Runner.Run(ctx, w.step)
				doneCh <- workResult{name: w.name, result: res, err: err}
			}
		}()
	}

	acc := newResultAccumulator(len(e.Graph.nodes))
	inFlight := 0

	depsSatisfied := func(idx int) bool {
		for _, p := range e.Graph.incoming[idx] {
			pst := e.state[e.Graph.nodes[p].Name]
			if !IsSuccessful(pst) {
				return false
			}
		}
		return true
	}

	// Coordinator loop: stage by depth.
	for depth := 0; depth <= maxDepth; depth++ {
		names := byDepth[depth]
		nextToStart := 0

		for {
			// Dispatch as many steps as possible for this depth.
			e.mu.Lock()
			for inFlight < concurrency && nextToStart < len(names) {
				name := names[nextToStart]
				node := e.Graph.nodesByName[name]
				st := e.state[name]

				// Already terminal (e.g. skipped by an earlier failure).
				if IsTerminal(st) {
					nextToStart++
					continue
				}
				if st != StepPending {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("unexpected non-pending state for %q: %s", name, st)
				}
				if !depsSatisfied(node.canonicalIndex) {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("step %q at depth %d is pending but dependencies are not successful", name, depth)
				}

				res, fresh, err := e.Runner.Probe(ctx, node.Step)
				if err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("probing %q: %w", name, err)
				}
				if fresh {
					if res == nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, fmt.Errorf("probing %q: nil result", name)
					}
					if err := Transition(e.state, name, StepPending, StepUpToDate); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
					acc.note(name, res)
					e.record(trace.Event{Kind: trace.EventStepUpToDate, StepID: name})
					nextToStart++
					continue
				}
				if res != nil && res.StaleReason != "" {
					e.record(trace.Event{Kind: trace.EventStepInvalidated, StepID: name, Reason: res.StaleReason})
				}

				if err := Transition(e.state, name, StepPending, StepRunning); err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, err
				}
				acc.order = append(acc.order, name)
				inFlight++
				nextToStart++
				workCh <- workItem{name: name, step: node.Step}
			}

			stageDone := (nextToStart >= len(names) && inFlight == 0)
			e.mu.Unlock()
			if stageDone {
				break
			}

			// Wait for at least one completion or context cancellation.
			select {
			case <-ctx.Done():
				stopWorkers()
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			case r := <-doneCh:
				if r.err != nil {
					stopWorkers()
					return nil, fmt.Errorf("executing %q: %w", r.name, r.err)
				}
				if r.result == nil {
					stopWorkers()
					return nil, fmt.Errorf("executing %q: nil result", r.name)
				}

				e.mu.Lock()
				cur := e.state[r.name]
				if cur != StepRunning {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("completion for %q but state is %s", r.name, cur)
				}

				acc.note(r.name, r.result)

				if r.result.ExitCode == 0 {
					if err := Transition(e.state, r.name, StepRunning, StepCompleted); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
					e.record(trace.Event{Kind: trace.EventStepExecuted, StepID: r.name})
				} else {
					if err := e.commitFailure(r.name); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
				}
				inFlight--
				e.mu.Unlock()
			}
		}
	}

	stopWorkers()
	return e.graphResult(acc), nil
}
