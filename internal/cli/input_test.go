package cli

import (
	"path/filepath"
	"reflect"
	"testing"

	"binforge/internal/script"
)

func TestParseInvocationDefaults(t *testing.T) {
	inv, err := ParseInvocation([]string{"-workdir", "/proj"})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.WorkDir != "/proj" {
		t.Fatalf("WorkDir = %q", inv.WorkDir)
	}
	if inv.ScriptPath != filepath.Join("/proj", script.DefaultScriptName) {
		t.Fatalf("ScriptPath = %q", inv.ScriptPath)
	}
	if inv.Jobs != 1 {
		t.Fatalf("Jobs = %d", inv.Jobs)
	}
	if len(inv.Targets) != 0 {
		t.Fatalf("Targets = %v", inv.Targets)
	}
	if inv.TracePath != "" || inv.DotPath != "" {
		t.Fatalf("trace/dot should default empty: %q %q", inv.TracePath, inv.DotPath)
	}
}

func TestParseInvocationFull(t *testing.T) {
	inv, err := ParseInvocation([]string{
		"-workdir", "/proj",
		"-script", "ci/build.lua",
		"-jobs", "4",
		"-trace", "out/trace.json",
		"-dot", "/tmp/graph.dot",
		"game", "run-game",
	})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	if inv.ScriptPath != "/proj/ci/build.lua" {
		t.Fatalf("ScriptPath = %q", inv.ScriptPath)
	}
	if inv.Jobs != 4 {
		t.Fatalf("Jobs = %d", inv.Jobs)
	}
	if inv.TracePath != "/proj/out/trace.json" {
		t.Fatalf("TracePath = %q", inv.TracePath)
	}
	if inv.DotPath != "/tmp/graph.dot" {
		t.Fatalf("DotPath = %q", inv.DotPath)
	}
	if !reflect.DeepEqual(inv.Targets, []string{"game", "run-game"}) {
		t.Fatalf("Targets = %v", inv.Targets)
	}
}

func TestParseInvocationErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"missing workdir", nil},
		{"relative workdir", []string{"-workdir", "proj"}},
		{"zero jobs", []string{"-workdir", "/proj", "-jobs", "0"}},
		{"empty script", []string{"-workdir", "/proj", "-script", " "}},
		{"unknown flag", []string{"-workdir", "/proj", "-nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInvocation(tc.args)
			if err == nil {
				t.Fatal("expected invocation error")
			}
			if code := ExitCodeFor(err); code != ExitInvalidInvocation {
				t.Fatalf("exit code = %d, want %d", code, ExitInvalidInvocation)
			}
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := ExitCodeFor(nil); got != ExitSuccess {
		t.Fatalf("nil error = %d", got)
	}
	if got := ExitCodeFor(configErrorf("bad")); got != ExitConfigError {
		t.Fatalf("config error = %d", got)
	}
	if got := ExitCodeFor(invalidInvocationf("bad")); got != ExitInvalidInvocation {
		t.Fatalf("invocation error = %d", got)
	}
}
