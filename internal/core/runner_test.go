package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"binforge/internal/stamp"
)

func newTestRunner(t *testing.T, dir string) *Runner {
	t.Helper()
	st, err := stamp.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewRunner(dir, st)
}

func TestRunner_ExecSuccessStampsAndReportsZero(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	out := filepath.Join(dir, "hello.s")
	s := Step{
		Name:    "hello:compile",
		Kind:    StepExec,
		Argv:    []string{"sh", "-c", "echo '; asm' > " + out},
		Outputs: []string{out},
	}

	res, err := r.Run(context.Background(), &s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output to exist: %v", err)
	}

	st, ok, err := r.Stamps.Load(s.Name)
	if err != nil || !ok {
		t.Fatalf("stamp: ok=%v err=%v", ok, err)
	}
	if st.Hash != ComputeStepHash(&s).String() {
		t.Fatalf("stamp hash mismatch")
	}

	// A second probe must now report up to date.
	probe, fresh, err := r.Probe(&s)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !fresh || !probe.UpToDate {
		t.Fatalf("expected fresh probe, got fresh=%v result=%+v", fresh, probe)
	}
}

func TestRunner_ExecFailureRemovesOutputs(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	out := filepath.Join(dir, "hello.o")
	s := Step{
		Name:    "hello:assemble",
		Kind:    StepExec,
		Argv:    []string{"sh", "-c", "echo partial > " + out + "; echo 'bad opcode' >&2; exit 3"},
		Outputs: []string{out},
	}

	res, err := r.Run(context.Background(), &s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(string(res.Stderr), "bad opcode") {
		t.Fatalf("stderr not captured: %q", res.Stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expected partial output to be removed")
	}
	if _, ok, _ := r.Stamps.Load(s.Name); ok {
		t.Fatalf("expected no stamp after failure")
	}
}

func TestRunner_ExecMissingToolIsInfrastructureError(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	s := Step{
		Name: "hello:compile",
		Kind: StepExec,
		Argv: []string{"definitely-not-a-real-compiler-binary"},
	}
	if _, err := r.Run(context.Background(), &s); err == nil {
		t.Fatalf("expected error for missing tool")
	}
}

func TestRunner_CopyMissingSourceFailsStep(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	s := Step{
		Name:    "game:config",
		Kind:    StepCopy,
		Inputs:  []string{filepath.Join(dir, "missing.cfg")},
		Outputs: []string{filepath.Join(dir, "out", "missing.cfg")},
	}

	res, err := r.Run(context.Background(), &s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected non-zero exit for missing config source")
	}
	if len(res.Stderr) == 0 {
		t.Fatalf("expected failure cause on stderr")
	}
}

func TestRunner_CopyProducesVerbatimDestination(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	src := filepath.Join(dir, "rom.cfg")
	dst := filepath.Join(dir, "out", "rom.cfg")
	writeFile(t, src, "MEMORY { ZP: start = $0000, size = $0100; }")

	s := Step{Name: "game:config", Kind: StepCopy, Inputs: []string{src}, Outputs: []string{dst}}
	res, err := r.Run(context.Background(), &s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	want, _ := os.ReadFile(src)
	if string(got) != string(want) {
		t.Fatalf("copy is not verbatim")
	}
}

func TestRunner_CleanRemovesObjectsLeavesBinary(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(t, dir)

	writeFile(t, filepath.Join(dir, "game.o"), "obj")
	writeFile(t, filepath.Join(dir, "other.o"), "obj")
	writeFile(t, filepath.Join(dir, "bin", "game.bin"), "binary")

	s := Step{
		Name:     "game:clean",
		Kind:     StepClean,
		Patterns: []string{filepath.Join(dir, "*.o")},
	}
	res, err := r.Run(context.Background(), &s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if len(res.Removed) != 2 {
		t.Fatalf("removed = %v, want two object files", res.Removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "bin", "game.bin")); err != nil {
		t.Fatalf("binary must survive cleanup: %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.o")); len(matches) != 0 {
		t.Fatalf("object files must be gone, found %v", matches)
	}
}

func TestInvoker_CapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	inv := NewInvoker(dir)

	res, err := inv.Invoke(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 7"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
}

func TestInvoker_CancellationKillsProcess(t *testing.T) {
	dir := t.TempDir()
	inv := NewInvoker(dir)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	if _, err := inv.Invoke(ctx, []string{"sh", "-c", "sleep 30"}, nil); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestInvoker_ExtraEnvIsVisible(t *testing.T) {
	dir := t.TempDir()
	inv := NewInvoker(dir)

	res, err := inv.Invoke(context.Background(), []string{"sh", "-c", "echo $CC65_HOME"}, map[string]string{"CC65_HOME": "/opt/cc65"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "/opt/cc65" {
		t.Fatalf("extra env not visible: %q", res.Stdout)
	}
}
