// Package dag defines binforge's build graph and its execution engine.
//
// It is intentionally split into:
//   - Immutable graph definition (BuildGraph): steps + freshness-dependency
//     edges + stable GraphHash
//   - Mutable execution state (ExecutionState): runtime statuses per step
//
// The graph identity (GraphHash) is computed from step definition content and
// canonicalized edge structure, making it invariant to insertion order.
package dag
