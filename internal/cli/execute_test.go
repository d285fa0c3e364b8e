package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"binforge/internal/trace"
)

// fixture builds a project directory with shell-script stand-ins for the
// cc65 toolchain. Each tool appends its name to tool.log so tests can
// assert which stages actually ran.
type fixture struct {
	dir string
	log string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, log: filepath.Join(dir, "tool.log")}

	f.tool(t, "cc65", fmt.Sprintf(`#!/bin/sh
echo cc65 >> %q
cat "$3" > "$2"
`, f.log))
	f.tool(t, "ca65", fmt.Sprintf(`#!/bin/sh
echo ca65 >> %q
cat "$3" > "$2"
`, f.log))
	f.tool(t, "ld65", fmt.Sprintf(`#!/bin/sh
echo ld65 >> %q
if [ "$1" = "-t" ]; then
	cat "$5" > "$4"
else
	cat "$2" "$5" > "$4"
fi
`, f.log))
	f.tool(t, "sim65", fmt.Sprintf(`#!/bin/sh
echo sim65 >> %q
cat "$1" > /dev/null
`, f.log))
	return f
}

func (f *fixture) tool(t *testing.T, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake %s: %v", name, err)
	}
}

func (f *fixture) write(t *testing.T, rel, contents string) {
	t.Helper()
	path := filepath.Join(f.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (f *fixture) script(t *testing.T, body string) {
	t.Helper()
	header := fmt.Sprintf(`toolchain{
	cc65 = %q,
	ca65 = %q,
	ld65 = %q,
	sim65 = %q,
}
output("out")
`, filepath.Join(f.dir, "cc65"), filepath.Join(f.dir, "ca65"),
		filepath.Join(f.dir, "ld65"), filepath.Join(f.dir, "sim65"))
	f.write(t, "build.lua", header+body)
}

func (f *fixture) toolLog(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading tool log: %v", err)
	}
	return strings.Fields(string(data))
}

func (f *fixture) clearLog(t *testing.T) {
	t.Helper()
	if err := os.Remove(f.log); err != nil && !os.IsNotExist(err) {
		t.Fatalf("clearing tool log: %v", err)
	}
}

func (f *fixture) run(t *testing.T, args ...string) (Result, string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-workdir", f.dir}, args...)
	res, err := Run(context.Background(), full, &stdout, &stderr)
	return res, stdout.String(), stderr.String(), err
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.dir, rel))
	return err == nil
}

func TestBinaryPipelineBuildsAndReruns(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/game.c", "int main(void){return 0;}\n")
	f.script(t, `generate_binary("src/game.c")`)

	res, stdout, _, err := f.run(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !f.exists("out/bin/game.bin") {
		t.Fatal("binary not produced")
	}
	if !strings.Contains(stdout, "built") {
		t.Fatalf("stdout missing built lines:\n%s", stdout)
	}
	wantLog := []string{"cc65", "ca65", "ld65"}
	if got := f.toolLog(t); !equalStrings(got, wantLog) {
		t.Fatalf("tool log = %v, want %v", got, wantLog)
	}

	// Second invocation with nothing changed: every stage is current.
	f.clearLog(t)
	res, stdout, _, err = f.run(t)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("rerun exit = %d", res.ExitCode)
	}
	if got := f.toolLog(t); len(got) != 0 {
		t.Fatalf("no tool should run on a clean rerun, got %v", got)
	}
	if !strings.Contains(stdout, "up-to-date") {
		t.Fatalf("stdout missing up-to-date lines:\n%s", stdout)
	}
}

func TestTouchedSourceRebuildsAllStages(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/game.c", "v1")
	f.script(t, `generate_binary("src/game.c")`)

	if res, _, _, err := f.run(t); err != nil || res.ExitCode != ExitSuccess {
		t.Fatalf("first build: exit=%d err=%v", res.ExitCode, err)
	}

	// Push the source mtime past the outputs rather than sleeping.
	src := filepath.Join(f.dir, "src", "game.c")
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(src, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	f.clearLog(t)
	if res, _, _, err := f.run(t); err != nil || res.ExitCode != ExitSuccess {
		t.Fatalf("rebuild: exit=%d err=%v", res.ExitCode, err)
	}
	want := []string{"cc65", "ca65", "ld65"}
	if got := f.toolLog(t); !equalStrings(got, want) {
		t.Fatalf("tool log = %v, want %v", got, want)
	}
}

func TestRunTargetAlwaysExecutesSimulator(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/game.c", "x")
	f.script(t, `generate_binary("src/game.c")`)

	if res, _, _, err := f.run(t, "run-game"); err != nil || res.ExitCode != ExitSuccess {
		t.Fatalf("first run: exit=%d err=%v", res.ExitCode, err)
	}
	want := []string{"cc65", "ca65", "ld65", "sim65"}
	if got := f.toolLog(t); !equalStrings(got, want) {
		t.Fatalf("tool log = %v, want %v", got, want)
	}

	// Build stages are current, but the simulator runs again.
	f.clearLog(t)
	if res, _, _, err := f.run(t, "run-game"); err != nil || res.ExitCode != ExitSuccess {
		t.Fatalf("second run: exit=%d err=%v", res.ExitCode, err)
	}
	if got := f.toolLog(t); !equalStrings(got, []string{"sim65"}) {
		t.Fatalf("tool log = %v, want [sim65]", got)
	}
}

func TestRawPipelineCleansObjectsAndKeepsBinary(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/rom.c", "x")
	f.write(t, "src/rom.cfg", "MEMORY {}")
	f.script(t, `generate_raw_binary("src/rom.c", "src/rom.cfg")`)

	res, _, _, err := f.run(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !f.exists("out/bin/rom.bin") {
		t.Fatal("binary not produced")
	}
	if f.exists("out/rom.o") {
		t.Fatal("object file should be cleaned after linking")
	}
	if !f.exists("out/rom.cfg") {
		t.Fatal("configuration should be copied into the output tree")
	}
}

func TestRawPipelineMissingConfigFailsBeforeLinking(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/rom.c", "x")
	f.script(t, `generate_raw_binary("src/rom.c", "src/rom.cfg")`)

	res, stdout, stderr, err := f.run(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitStepFailure {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitStepFailure)
	}
	if f.exists("out/bin/rom.bin") {
		t.Fatal("no binary may exist when the configuration is missing")
	}
	if !strings.Contains(stdout, "failed") || !strings.Contains(stdout, "skipped") {
		t.Fatalf("stdout should report the failure and downstream skips:\n%s", stdout)
	}
	if !strings.Contains(stderr, "rom:config") {
		t.Fatalf("stderr should name the failing step:\n%s", stderr)
	}

	// ld65 must never have run.
	for _, tool := range f.toolLog(t) {
		if tool == "ld65" {
			t.Fatal("link ran despite missing configuration")
		}
	}
}

func TestCompileFailureSkipsDownstream(t *testing.T) {
	f := newFixture(t)
	f.tool(t, "cc65", "#!/bin/sh\necho 'game.c(3): syntax error' >&2\nexit 1\n")
	f.write(t, "src/game.c", "x")
	f.script(t, `generate_binary("src/game.c")`)

	res, _, stderr, err := f.run(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitStepFailure {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if f.exists("out/bin/game.bin") {
		t.Fatal("binary must not exist after a compile failure")
	}
	if !strings.Contains(stderr, "syntax error") {
		t.Fatalf("stderr should carry the compiler diagnostic:\n%s", stderr)
	}
}

func TestParallelBuildMatchesSerial(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.c", "a")
	f.write(t, "src/b.c", "b")
	f.script(t, `
generate_binary("src/a.c")
generate_binary("src/b.c")
`)

	res, _, _, err := f.run(t, "-jobs", "4")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if !f.exists("out/bin/a.bin") || !f.exists("out/bin/b.bin") {
		t.Fatal("both binaries should be produced")
	}
}

func TestTraceAndDotOutputs(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/game.c", "x")
	f.script(t, `generate_binary("src/game.c")`)

	res, _, _, err := f.run(t, "-trace", "trace.json", "-dot", "graph.dot")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d", res.ExitCode)
	}

	data, err := os.ReadFile(filepath.Join(f.dir, "trace.json"))
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	var tr trace.BuildTrace
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("trace is not valid JSON: %v", err)
	}
	if tr.GraphHash == "" || len(tr.Events) == 0 {
		t.Fatalf("trace is empty: %+v", tr)
	}

	dot, err := os.ReadFile(filepath.Join(f.dir, "graph.dot"))
	if err != nil {
		t.Fatalf("reading dot: %v", err)
	}
	if !strings.Contains(string(dot), "digraph") {
		t.Fatalf("dot output missing digraph header:\n%s", dot)
	}
}

func TestUnknownTargetIsInvalidInvocation(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/game.c", "x")
	f.script(t, `generate_binary("src/game.c")`)

	res, _, _, err := f.run(t, "nope")
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	if res.ExitCode != ExitInvalidInvocation {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitInvalidInvocation)
	}
}

func TestMissingScriptIsConfigError(t *testing.T) {
	f := newFixture(t)

	res, _, _, err := f.run(t)
	if err == nil {
		t.Fatal("expected error for missing build script")
	}
	if res.ExitCode != ExitConfigError {
		t.Fatalf("exit = %d, want %d", res.ExitCode, ExitConfigError)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
