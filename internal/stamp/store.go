// Package stamp persists per-step build stamps under <workdir>/.binforge/stamps/.
//
// A stamp records the definition hash of the last successful execution of a
// step. Together with output mtimes it decides whether a step is up to date:
// a changed command line re-runs its step even when the files on disk look
// fresh.
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
package stamp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Stamp is the persistent record for one step.
type Stamp struct {
	// StepName is the graph-unique step identifier.
	StepName string `json:"step_name"`

	// Hash is the step definition hash at the time of the last
	// successful execution.
	Hash string `json:"hash"`
}

func (s Stamp) Validate() error {
	if strings.TrimSpace(s.StepName) == "" {
		return errors.New("step_name is required")
	}
	if strings.TrimSpace(s.Hash) == "" {
		return errors.New("hash is required")
	}
	return nil
}

// Store reads and writes stamps below a base directory.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) stampsDir() string {
	return filepath.Join(s.baseDir, ".binforge", "stamps")
}

func (s *Store) stampPath(stepName string) string {
	// Step names use ':' as a pipeline separator; encode so the name maps
	// to a single filename component.
	encoded := strings.NewReplacer(":", "__", string(filepath.Separator), "_").Replace(stepName)
	return filepath.Join(s.stampsDir(), encoded+".json")
}

// Save persists the stamp atomically.
func (s *Store) Save(st Stamp) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("invalid stamp: %w", err)
	}
	if err := ensureDirDurable(s.stampsDir(), 0o755); err != nil {
		return fmt.Errorf("ensure stamps dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stamp: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomicDurable(s.stampPath(st.StepName), data, 0o644); err != nil {
		return fmt.Errorf("write stamp: %w", err)
	}
	return nil
}

// Load returns the stamp for stepName, or ok=false when none exists.
func (s *Store) Load(stepName string) (Stamp, bool, error) {
	var st Stamp
	if s == nil {
		return Stamp{}, false, errors.New("nil Store")
	}
	if strings.TrimSpace(stepName) == "" {
		return Stamp{}, false, errors.New("stepName is required")
	}
	if err := readJSONStrict(s.stampPath(stepName), &st); err != nil {
		if os.IsNotExist(err) {
			return Stamp{}, false, nil
		}
		return Stamp{}, false, err
	}
	if err := st.Validate(); err != nil {
		return Stamp{}, false, fmt.Errorf("invalid stamp on disk: %w", err)
	}
	return st, true, nil
}

// Remove deletes the stamp for stepName. Missing stamps are not an error.
func (s *Store) Remove(stepName string) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := os.Remove(s.stampPath(stepName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
