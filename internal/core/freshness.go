package core

import (
	"os"
	"time"

	"binforge/internal/stamp"
)

// Staleness reasons, recorded in the build trace when a step is re-executed.
//
// These are stable, logical codes; producers must keep them stable.
const (
	ReasonAlwaysRun     = "AlwaysRun"
	ReasonMissingInput  = "MissingInput"
	ReasonMissingOutput = "MissingOutput"
	ReasonInputNewer    = "InputNewer"
	ReasonStampMismatch = "StampMismatch"
	ReasonResidue       = "Residue"
)

// Freshness is the verdict of a staleness check.
type Freshness struct {
	// Fresh reports whether the step may be satisfied without executing.
	Fresh bool

	// Reason is the staleness reason when Fresh is false.
	Reason string
}

func fresh() Freshness              { return Freshness{Fresh: true} }
func stale(reason string) Freshness { return Freshness{Reason: reason} }

// CheckFreshness decides whether a step needs to run.
//
// Contract (the classic build-system dependency invariant): a step is stale
// until its declared outputs exist and are at least as new as every declared
// input, and its recorded stamp matches the current definition hash.
//
//   - AlwaysRun steps are never fresh.
//   - Clean steps are fresh iff nothing matches their patterns.
//   - Copy steps are fresh iff the destination is at least as new as the
//     source and the stamp matches, so repointing a pipeline at a different
//     configuration file re-runs the copy even when mtimes look current.
//   - A missing input makes the step stale; the failure surfaces when it runs.
func CheckFreshness(s *Step, hash StepHash, stamps *stamp.Store) (Freshness, error) {
	if s.AlwaysRun {
		return stale(ReasonAlwaysRun), nil
	}

	switch s.Kind {
	case StepClean:
		dirty, err := anyMatching(s.Patterns)
		if err != nil {
			return Freshness{}, err
		}
		if dirty {
			return stale(ReasonResidue), nil
		}
		return fresh(), nil

	case StepCopy:
		srcTime, ok := mtime(s.Inputs[0])
		if !ok {
			return stale(ReasonMissingInput), nil
		}
		dstTime, ok := mtime(s.Outputs[0])
		if !ok {
			return stale(ReasonMissingOutput), nil
		}
		if srcTime.After(dstTime) {
			return stale(ReasonInputNewer), nil
		}
		return checkStamp(s, hash, stamps)
	}

	// Exec: outputs must exist, be no older than any input, and the stamp
	// must match the current definition.
	var oldestOutput time.Time
	for i, out := range s.Outputs {
		t, ok := mtime(out)
		if !ok {
			return stale(ReasonMissingOutput), nil
		}
		if i == 0 || t.Before(oldestOutput) {
			oldestOutput = t
		}
	}
	if len(s.Outputs) == 0 {
		return stale(ReasonMissingOutput), nil
	}

	for _, in := range s.Inputs {
		t, ok := mtime(in)
		if !ok {
			return stale(ReasonMissingInput), nil
		}
		if t.After(oldestOutput) {
			return stale(ReasonInputNewer), nil
		}
	}

	return checkStamp(s, hash, stamps)
}

// checkStamp compares the step's recorded stamp against its current
// definition hash, so an edited command line or a repointed input re-runs
// the step even when the files on disk look current.
func checkStamp(s *Step, hash StepHash, stamps *stamp.Store) (Freshness, error) {
	if stamps == nil {
		return fresh(), nil
	}
	st, ok, err := stamps.Load(s.Name)
	if err != nil {
		return Freshness{}, err
	}
	if !ok || st.Hash != hash.String() {
		return stale(ReasonStampMismatch), nil
	}
	return fresh(), nil
}

func mtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
