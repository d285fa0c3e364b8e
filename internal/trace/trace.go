package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// BuildTrace is the canonical, deterministic record of a build.
//
// Invariants:
//   - Captures GraphHash and an ordered list of events.
//   - Contains logical transitions/decisions, not runtime-dependent details.
//   - Contains no timestamps, pointers, or other runtime-dependent values.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit
//     absent optional fields.
//
// The trace is observational only and must never affect execution behavior.
type BuildTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind is the stable, canonical discriminator for Event.
//
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventStepInvalidated EventKind = "StepInvalidated"
	EventStepExecuted    EventKind = "StepExecuted"
	EventStepUpToDate    EventKind = "StepUpToDate"
	EventStepFailed      EventKind = "StepFailed"
	EventStepSkipped     EventKind = "StepSkipped"
)

// Event is a single logical transition/decision.
//
// Determinism constraints:
//   - No timestamps.
//   - No error strings or stack traces.
//   - No fields derived from pointer identity or map iteration.
type Event struct {
	Kind EventKind

	// StepID identifies the step this event refers to. Required.
	StepID string

	// Reason is a stable, logical reason code (e.g. "InputNewer",
	// "UpstreamFailed"). Producers must keep these stable.
	Reason string

	// CauseStepID records a related upstream step (e.g. the failing
	// upstream step causing a skip).
	CauseStepID string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.StepID == "" {
			return fmt.Errorf("events[%d].stepId is required", i)
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form.
//
// Ordering guarantee: the canonical ordering is independent of execution
// timing or concurrency. Events are stably sorted by
// (stepId, kindOrder, reason, causeStepId).
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.StepID != b.StepID {
			return a.StepID < b.StepID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.CauseStepID < b.CauseStepID
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStepInvalidated:
		return 10
	case EventStepUpToDate:
		return 20
	case EventStepExecuted:
		return 30
	case EventStepFailed:
		return 40
	case EventStepSkipped:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := BuildTrace{GraphHash: t.GraphHash}
	copyTrace.Events = make([]Event, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical
// JSON bytes.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON ensures canonical field ordering and omission rules.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"graphHash\":")
	gh, _ := json.Marshal(t.GraphHash)
	buf.Write(gh)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty
// optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	if e.StepID != "" {
		buf.WriteByte(',')
		buf.WriteString("\"stepId\":")
		sb, _ := json.Marshal(e.StepID)
		buf.Write(sb)
	}

	if e.Reason != "" {
		buf.WriteByte(',')
		buf.WriteString("\"reason\":")
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}

	if e.CauseStepID != "" {
		buf.WriteByte(',')
		buf.WriteString("\"causeStepId\":")
		cb, _ := json.Marshal(e.CauseStepID)
		buf.Write(cb)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
