package core

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// copyFile copies src to dst verbatim, creating dst's directory if needed.
//
// The copy is byte-for-byte; permissions default to 0644 so the copied
// linker configuration is a plain readable file in the output tree.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading %q", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", dst)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", dst)
	}
	return nil
}

// removeMatching deletes all files matching the given glob patterns and
// returns the sorted list of removed paths.
//
// Patterns matching nothing are not an error; a clean step on an already
// clean tree is a no-op.
func removeMatching(patterns []string) ([]string, error) {
	removed := make([]string, 0)
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, errors.Wrapf(err, "stat %q", m)
			}
			if info.IsDir() {
				continue
			}
			if err := os.Remove(m); err != nil {
				return nil, errors.Wrapf(err, "removing %q", m)
			}
			removed = append(removed, m)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// anyMatching reports whether any file matches the given glob patterns.
func anyMatching(patterns []string) (bool, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return false, errors.Wrapf(err, "invalid pattern %q", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				return true, nil
			}
		}
	}
	return false, nil
}
