package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bradleyjkemp/memviz"
	"golang.org/x/term"

	"binforge/internal/core"
	"binforge/internal/dag"
	"binforge/internal/pipeline"
	"binforge/internal/script"
	"binforge/internal/stamp"
	"binforge/internal/trace"
)

type Result struct {
	ExitCode int
	Graph    *dag.GraphResult
}

// Execute maps a canonical Invocation to a build run.
//
// Responsibilities:
//   - Load the build script and lower it to a build graph.
//   - Restrict the graph to the requested targets and their prerequisites.
//   - Run steps serially or in parallel per the invocation.
//   - Emit the canonical trace and graphviz dump when requested.
//   - Translate outcomes to semantic exit codes.
func Execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer) (Result, error) {
	res := Result{ExitCode: ExitInternalError}

	proj, err := script.Load(inv.WorkDir, inv.ScriptPath)
	if err != nil {
		return res, configErrorf("%s: %v", inv.OriginalScript, err)
	}

	targets := inv.Targets
	if len(targets) == 0 {
		targets = proj.BuildTargets()
	}
	stepNames, err := proj.StepsFor(targets)
	if err != nil {
		return res, invalidInvocationf("%v", err)
	}

	full, err := proj.Compile()
	if err != nil {
		return res, configErrorf("%v", err)
	}
	g, err := full.Subgraph(stepNames...)
	if err != nil {
		return res, err
	}

	if err := proj.EnsureLayout(); err != nil {
		return res, configErrorf("%v", err)
	}
	stamps, err := stamp.NewStore(proj.OutDir)
	if err != nil {
		return res, configErrorf("%v", err)
	}

	runner, err := dag.NewFreshRunner(core.NewRunner(proj.WorkDir, stamps))
	if err != nil {
		return res, err
	}

	recorder := trace.NewRecorder()
	exec, err := dag.NewExecutor(g, runner)
	if err != nil {
		return res, err
	}
	exec.Sink = recorder

	var graphRes *dag.GraphResult
	if inv.Jobs > 1 {
		graphRes, err = exec.RunParallel(ctx, inv.Jobs)
	} else {
		graphRes, err = exec.RunSerial(ctx)
	}
	if err != nil {
		return res, err
	}
	res.Graph = graphRes

	reportSteps(stdout, stderr, g, graphRes)

	if inv.TracePath != "" {
		if err := writeTrace(inv.TracePath, recorder, g); err != nil {
			return res, err
		}
	}
	if inv.DotPath != "" {
		if err := writeDot(inv.DotPath, proj, g); err != nil {
			return res, err
		}
	}

	if len(graphRes.Failed()) > 0 {
		res.ExitCode = ExitStepFailure
		return res, nil
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (Result, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		return Result{ExitCode: ExitCodeFor(err)}, err
	}
	res, err := Execute(ctx, inv, stdout, stderr)
	if err != nil {
		res.ExitCode = ExitCodeFor(err)
	}
	return res, err
}

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiCyan   = "\x1b[36m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func paint(enabled bool, color, s string) string {
	if !enabled {
		return s
	}
	return color + s + ansiReset
}

// reportSteps prints one status line per step in topological order, followed
// by the captured stderr of every failed step.
func reportSteps(stdout, stderr io.Writer, g *dag.BuildGraph, res *dag.GraphResult) {
	color := colorEnabled(stdout)
	for _, name := range g.TopologicalOrder() {
		switch res.FinalState[name] {
		case dag.StepCompleted:
			fmt.Fprintf(stdout, "%s  %s\n", paint(color, ansiGreen, "built     "), name)
		case dag.StepUpToDate:
			fmt.Fprintf(stdout, "%s  %s\n", paint(color, ansiCyan, "up-to-date"), name)
		case dag.StepFailed:
			fmt.Fprintf(stdout, "%s  %s\n", paint(color, ansiRed, "failed    "), name)
		case dag.StepSkipped:
			fmt.Fprintf(stdout, "%s  %s\n", paint(color, ansiYellow, "skipped   "), name)
		}
	}
	for _, name := range res.Failed() {
		fmt.Fprintf(stderr, "%s: exit code %d\n", name, res.ExitCode[name])
		if out := res.Stderr[name]; len(out) > 0 {
			stderr.Write(out)
			if out[len(out)-1] != '\n' {
				io.WriteString(stderr, "\n")
			}
		}
	}
}

func writeTrace(path string, recorder *trace.Recorder, g *dag.BuildGraph) error {
	tr := recorder.Trace(string(g.Hash()))
	data, err := tr.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// graphView is the shape handed to memviz: a stable, exported projection of
// the build graph suitable for a pointer-chasing dump.
type graphView struct {
	GraphHash string
	Pipelines []*pipelineView
}

type pipelineView struct {
	Name    string
	Variant string
	Binary  string
	Steps   []*stepView
}

type stepView struct {
	Name  string
	Argv  []string
	Needs []string
}

func buildGraphView(proj *pipeline.Project, g *dag.BuildGraph) *graphView {
	needs := make(map[string][]string)
	for _, e := range g.Edges() {
		needs[e.To] = append(needs[e.To], e.From)
	}

	view := &graphView{GraphHash: string(g.Hash())}
	for _, pl := range proj.Pipelines() {
		pv := &pipelineView{
			Name:    pl.Name,
			Variant: string(pl.Variant),
			Binary:  pl.Binary,
		}
		for _, s := range pl.Steps {
			if _, ok := g.Node(s.Name); !ok {
				continue // pruned by target selection
			}
			pv.Steps = append(pv.Steps, &stepView{
				Name:  s.Name,
				Argv:  s.Argv,
				Needs: needs[s.Name],
			})
		}
		if len(pv.Steps) > 0 {
			view.Pipelines = append(view.Pipelines, pv)
		}
	}
	return view
}

func writeDot(path string, proj *pipeline.Project, g *dag.BuildGraph) error {
	var buf bytes.Buffer
	memviz.Map(&buf, buildGraphView(proj, g))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
