package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// StepHash is the deterministic identity of a step definition.
//
// It covers only declarative fields: kind, argv, inputs, outputs, env,
// patterns and the always-run flag. Timestamps and machine-specific data are
// excluded; any change to a component produces a different hash.
type StepHash string

// String returns the string representation of the StepHash.
func (h StepHash) String() string { return string(h) }

// ComputeStepHash computes the definition hash of a step.
//
// Determinism rules:
//   - Argv is hashed in order (argument order is meaningful).
//   - Inputs, outputs and patterns are treated as sets and sorted.
//   - Env is sorted by key.
//   - All fields are length-prefixed to avoid ambiguity.
func ComputeStepHash(s *Step) StepHash {
	h := sha256.New()

	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := []byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		}
		h.Write(lengthBytes)
		h.Write(data)
	}
	writeSorted := func(items []string) {
		sorted := make([]string, len(items))
		copy(sorted, items)
		sort.Strings(sorted)
		writeField([]byte{byte(len(sorted))})
		for _, it := range sorted {
			writeField([]byte(it))
		}
	}

	writeField([]byte(s.Kind))

	writeField([]byte{byte(len(s.Argv))})
	for _, a := range s.Argv {
		writeField([]byte(a))
	}

	writeSorted(s.Inputs)
	writeSorted(s.Outputs)
	writeSorted(s.Patterns)

	envKeys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeField([]byte{byte(len(envKeys))})
	for _, k := range envKeys {
		writeField([]byte(k))
		writeField([]byte(s.Env[k]))
	}

	if s.AlwaysRun {
		writeField([]byte{1})
	} else {
		writeField([]byte{0})
	}

	sum := h.Sum(nil)
	return StepHash(hex.EncodeToString(sum))
}
