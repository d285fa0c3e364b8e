// Package core provides the step model and step execution for binforge.
//
// A Step is the unit of work in a build: an external tool invocation, a
// verbatim file copy, or an intermediate-artifact cleanup. Steps are
// declarative: the graph engine decides when a step runs, core decides how.
//
// # Design Principles
//
//  1. Steps carry only explicit, observable fields; nothing implied.
//  2. Freshness is a filesystem contract: a step is stale until its declared
//     outputs exist and are newer than its declared inputs, and its recorded
//     stamp matches its current definition hash.
//  3. Tool invocations are out-of-process commands whose exit code gates the
//     rest of the chain.
package core
