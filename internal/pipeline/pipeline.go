// Package pipeline lowers declarative pipeline registrations into a build
// graph.
//
// Two pipeline shapes exist, mirroring the two ways a 6502 binary is
// produced:
//
//   - Binary: compile -> assemble -> link against a fixed runtime library,
//     with an extra run-under-simulator target.
//   - Raw binary: compile -> assemble -> link against an explicit
//     memory-layout configuration (copied into the output tree), followed by
//     a cleanup step that removes intermediate object files.
//
// Pipelines are declarative graph builders, not runtime logic: they register
// steps to be performed later by the graph executor.
package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"binforge/internal/core"
	"binforge/internal/dag"
	"binforge/internal/toolchain"
)

// Variant discriminates the two pipeline shapes.
type Variant string

const (
	// VariantBinary links against the runtime library and can run under
	// the simulator.
	VariantBinary Variant = "binary"

	// VariantRaw links against a memory-layout configuration and cleans
	// up its intermediate objects.
	VariantRaw Variant = "raw"
)

// Pipeline is one registered source file and the steps derived from it.
type Pipeline struct {
	// Name is the artifact identity, derived deterministically from the
	// source file's base name.
	Name string

	Variant Variant

	// Source is the absolute path of the C source file.
	Source string

	// Config is the absolute path of the memory-layout configuration
	// (raw variant only).
	Config string

	// Steps are the lowered build steps in stage order.
	Steps []core.Step

	// Edges are the freshness dependencies between this pipeline's steps.
	Edges []dag.Edge

	// BuildTarget is the step name satisfying the pipeline's default
	// target (the linked binary, or the post-link cleanup for raw).
	BuildTarget string

	// RunTarget is the step name of the simulator run (binary variant
	// only, empty otherwise).
	RunTarget string

	// Binary is the absolute path of the final binary image.
	Binary string
}

// Project owns the output layout and the registered pipelines.
type Project struct {
	// WorkDir is the absolute project root; relative source and config
	// paths resolve under it.
	WorkDir string

	// OutDir is the absolute output directory. Intermediate artifacts
	// live at its root, final binaries under bin/.
	OutDir string

	Toolchain toolchain.Toolchain

	pipelines []*Pipeline
	byName    map[string]*Pipeline
}

// NewProject creates a Project rooted at an absolute workDir.
// A relative outDir resolves under workDir.
func NewProject(workDir, outDir string, tc toolchain.Toolchain) (*Project, error) {
	if !filepath.IsAbs(workDir) {
		return nil, errors.Errorf("workdir must be absolute (got %q)", workDir)
	}
	if strings.TrimSpace(outDir) == "" {
		return nil, errors.New("output directory is required")
	}
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(workDir, outDir)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return &Project{
		WorkDir:   filepath.Clean(workDir),
		OutDir:    filepath.Clean(outDir),
		Toolchain: tc,
		byName:    make(map[string]*Pipeline),
	}, nil
}

// BinDir returns the directory holding final binaries.
func (p *Project) BinDir() string {
	return filepath.Join(p.OutDir, "bin")
}

// EnsureLayout creates the output directory tree before any step runs.
func (p *Project) EnsureLayout() error {
	if err := os.MkdirAll(p.BinDir(), 0o755); err != nil {
		return errors.Wrap(err, "creating output layout")
	}
	return nil
}

func (p *Project) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(p.WorkDir, path))
}

// register validates pipeline identity invariants shared by both variants.
//
// The source path must exist when the pipeline is registered: a typo'd
// source is a configuration error, not a build failure.
func (p *Project) register(source string) (name, absSource string, err error) {
	absSource = p.resolve(source)
	if _, statErr := os.Stat(absSource); statErr != nil {
		return "", "", errors.Wrapf(statErr, "source file %q", source)
	}

	base := filepath.Base(absSource)
	name = strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		return "", "", errors.Errorf("cannot derive a name from source %q", source)
	}
	if _, exists := p.byName[name]; exists {
		return "", "", errors.Errorf("duplicate pipeline name %q (source %q)", name, source)
	}
	return name, absSource, nil
}

func (p *Project) artifactPaths(name string) (asm, obj, bin string) {
	asm = filepath.Join(p.OutDir, name+".s")
	obj = filepath.Join(p.OutDir, name+".o")
	bin = filepath.Join(p.BinDir(), name+".bin")
	return asm, obj, bin
}

// AddBinary registers a runnable-binary pipeline for one source file.
//
// Stages: compile -> assemble -> link (runtime library) -> run (simulator).
// Targets: "<name>" builds the binary, "run-<name>" additionally runs it.
func (p *Project) AddBinary(source string) (*Pipeline, error) {
	name, absSource, err := p.register(source)
	if err != nil {
		return nil, err
	}
	asm, obj, bin := p.artifactPaths(name)
	tc := p.Toolchain

	compile := core.Step{
		Name:    name + ":compile",
		Kind:    core.StepExec,
		Argv:    tc.CompileArgs(absSource, asm),
		Inputs:  []string{absSource},
		Outputs: []string{asm},
	}
	assemble := core.Step{
		Name:    name + ":assemble",
		Kind:    core.StepExec,
		Argv:    tc.AssembleArgs(asm, obj),
		Inputs:  []string{asm},
		Outputs: []string{obj},
	}
	link := core.Step{
		Name:    name + ":link",
		Kind:    core.StepExec,
		Argv:    tc.LinkArgs(obj, bin),
		Inputs:  []string{obj},
		Outputs: []string{bin},
	}
	run := core.Step{
		Name:      name + ":run",
		Kind:      core.StepExec,
		Argv:      tc.RunArgs(bin),
		Inputs:    []string{bin},
		AlwaysRun: true,
	}

	pl := &Pipeline{
		Name:        name,
		Variant:     VariantBinary,
		Source:      absSource,
		Steps:       []core.Step{compile, assemble, link, run},
		Edges: []dag.Edge{
			{From: compile.Name, To: assemble.Name},
			{From: assemble.Name, To: link.Name},
			{From: link.Name, To: run.Name},
		},
		BuildTarget: link.Name,
		RunTarget:   run.Name,
		Binary:      bin,
	}
	p.pipelines = append(p.pipelines, pl)
	p.byName[name] = pl
	return pl, nil
}

// AddRawBinary registers a raw-binary pipeline for one source file and a
// memory-layout configuration.
//
// Stages: config copy + compile -> assemble -> link (-C config) -> clean.
// The configuration file is copied verbatim into the output tree and feeds
// the link stage alongside the object file. A missing configuration fails
// at build time, before any binary is produced. The clean step removes all
// intermediate object files from the output directory once the binary has
// been built, trading rebuild incrementality for a clean output tree.
func (p *Project) AddRawBinary(source, config string) (*Pipeline, error) {
	if strings.TrimSpace(config) == "" {
		return nil, errors.New("raw binary pipeline requires a configuration file")
	}
	name, absSource, err := p.register(source)
	if err != nil {
		return nil, err
	}
	asm, obj, bin := p.artifactPaths(name)
	tc := p.Toolchain

	absConfig := p.resolve(config)
	outConfig := filepath.Join(p.OutDir, filepath.Base(absConfig))

	copyCfg := core.Step{
		Name:    name + ":config",
		Kind:    core.StepCopy,
		Inputs:  []string{absConfig},
		Outputs: []string{outConfig},
	}
	compile := core.Step{
		Name:    name + ":compile",
		Kind:    core.StepExec,
		Argv:    tc.CompileArgs(absSource, asm),
		Inputs:  []string{absSource},
		Outputs: []string{asm},
	}
	assemble := core.Step{
		Name:    name + ":assemble",
		Kind:    core.StepExec,
		Argv:    tc.AssembleArgs(asm, obj),
		Inputs:  []string{asm},
		Outputs: []string{obj},
	}
	link := core.Step{
		Name:    name + ":link",
		Kind:    core.StepExec,
		Argv:    tc.RawLinkArgs(outConfig, obj, bin),
		Inputs:  []string{obj, outConfig},
		Outputs: []string{bin},
	}
	clean := core.Step{
		Name:     name + ":clean",
		Kind:     core.StepClean,
		Patterns: []string{filepath.Join(p.OutDir, "*.o")},
	}

	pl := &Pipeline{
		Name:    name,
		Variant: VariantRaw,
		Source:  absSource,
		Config:  absConfig,
		Steps:   []core.Step{copyCfg, compile, assemble, link, clean},
		Edges: []dag.Edge{
			{From: compile.Name, To: assemble.Name},
			{From: assemble.Name, To: link.Name},
			{From: copyCfg.Name, To: link.Name},
			{From: link.Name, To: clean.Name},
		},
		BuildTarget: clean.Name,
		Binary:      bin,
	}
	p.pipelines = append(p.pipelines, pl)
	p.byName[name] = pl
	return pl, nil
}

// Pipelines returns the registered pipelines in registration order.
func (p *Project) Pipelines() []*Pipeline {
	out := make([]*Pipeline, len(p.pipelines))
	copy(out, p.pipelines)
	return out
}

// BuildTargets returns the sorted default targets (one per pipeline).
func (p *Project) BuildTargets() []string {
	out := make([]string, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		out = append(out, pl.Name)
	}
	sort.Strings(out)
	return out
}

// Targets returns all addressable targets, sorted: every pipeline name plus
// "run-<name>" for runnable pipelines.
func (p *Project) Targets() []string {
	out := make([]string, 0, 2*len(p.pipelines))
	for _, pl := range p.pipelines {
		out = append(out, pl.Name)
		if pl.RunTarget != "" {
			out = append(out, "run-"+pl.Name)
		}
	}
	sort.Strings(out)
	return out
}

// StepsFor maps target names to the step names that satisfy them.
func (p *Project) StepsFor(targets []string) ([]string, error) {
	steps := make([]string, 0, len(targets))
	for _, target := range targets {
		if pl, ok := p.byName[target]; ok {
			steps = append(steps, pl.BuildTarget)
			continue
		}
		if name, isRun := strings.CutPrefix(target, "run-"); isRun {
			if pl, ok := p.byName[name]; ok && pl.RunTarget != "" {
				steps = append(steps, pl.RunTarget)
				continue
			}
		}
		return nil, errors.Errorf("unknown target %q", target)
	}
	return steps, nil
}

// Compile lowers all registered pipelines into a single validated build
// graph.
func (p *Project) Compile() (*dag.BuildGraph, error) {
	if len(p.pipelines) == 0 {
		return nil, errors.New("no pipelines registered")
	}
	steps := make([]core.Step, 0)
	edges := make([]dag.Edge, 0)
	for _, pl := range p.pipelines {
		steps = append(steps, pl.Steps...)
		edges = append(edges, pl.Edges...)
	}
	g, err := dag.NewBuildGraph(steps, edges)
	if err != nil {
		return nil, errors.Wrap(err, "lowering pipelines")
	}
	return g, nil
}
