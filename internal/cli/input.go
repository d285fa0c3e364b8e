package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"binforge/internal/script"
)

const (
	ExitSuccess           = 0
	ExitStepFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the fully canonicalized, deterministic description of a run.
//
// All paths are normalized and all relative paths are resolved relative to
// WorkDir.
//
// NOTE: WorkDir is required and must be absolute; this prevents any
// dependency on the process current working directory.
type Invocation struct {
	WorkDir    string
	ScriptPath string

	// Targets are the requested build targets, in the order given.
	// Empty means every pipeline's default target.
	Targets []string

	// Jobs is the parallel step budget. 1 means serial execution.
	Jobs int

	// TracePath, when non-empty, receives the canonical build trace JSON.
	TracePath string

	// DotPath, when non-empty, receives a graphviz dump of the build graph.
	DotPath string

	OriginalScript string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical Invocation.
//
// Determinism goals:
//   - Does not read env vars.
//   - Does not read/assume the process CWD.
//   - Requires WorkDir to be explicit and absolute.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("binforge", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var workDir string
	var scriptPath string
	var jobs int
	var tracePath string
	var dotPath string

	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&scriptPath, "script", script.DefaultScriptName, "Build script path.")
	fs.IntVar(&jobs, "jobs", 1, "Number of steps to run in parallel.")
	fs.StringVar(&tracePath, "trace", "", "Build trace output path (optional).")
	fs.StringVar(&dotPath, "dot", "", "Graphviz dump of the build graph (optional).")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}

	workDir = filepath.Clean(workDir)
	if workDir == "" || workDir == "." {
		return Invocation{}, invalidInvocationf("--workdir is required")
	}
	if !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	if jobs < 1 {
		return Invocation{}, invalidInvocationf("--jobs must be at least 1 (got %d)", jobs)
	}
	if strings.TrimSpace(scriptPath) == "" {
		return Invocation{}, invalidInvocationf("--script must not be empty")
	}

	inv := Invocation{
		WorkDir:        workDir,
		ScriptPath:     resolveUnderWorkDir(workDir, scriptPath),
		Jobs:           jobs,
		OriginalScript: scriptPath,
	}
	if strings.TrimSpace(tracePath) != "" {
		inv.TracePath = resolveUnderWorkDir(workDir, tracePath)
	}
	if strings.TrimSpace(dotPath) != "" {
		inv.DotPath = resolveUnderWorkDir(workDir, dotPath)
	}

	for _, target := range fs.Args() {
		if strings.TrimSpace(target) == "" {
			return Invocation{}, invalidInvocationf("empty target name")
		}
		inv.Targets = append(inv.Targets, target)
	}

	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	// WorkDir is absolute, so Join does not consult the process CWD.
	return filepath.Clean(filepath.Join(workDir, clean))
}

// ExitCodeFor extracts a semantic exit code from an error.
// Unknown errors map to ExitInternalError.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
