// Package script loads a Lua build script into a pipeline project.
//
// The build script is a plain Lua file evaluated with a handful of globals
// injected:
//
//	toolchain{ cc65 = "...", target = "...", runtime_lib = "..." }
//	output("build")
//	generate_binary("src/game.c")
//	generate_raw_binary("src/rom.c", "src/rom.cfg")
//
// Evaluation is purely declarative: the script registers pipelines and
// settings, and the project is assembled after the script returns. Script
// errors, unknown toolchain keys, and bad argument types are all
// configuration errors.
package script

import (
	"path/filepath"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"binforge/internal/pipeline"
	"binforge/internal/toolchain"
)

// DefaultScriptName is the build script looked up when none is given.
const DefaultScriptName = "build.lua"

type binaryDecl struct {
	source string
	config string // empty for the runnable variant
	raw    bool
}

type loader struct {
	tc       toolchain.Toolchain
	outDir   string
	decls    []binaryDecl
	loadErr  error
	failFast *lua.LState
}

func (l *loader) fail(err error) int {
	if l.loadErr == nil {
		l.loadErr = err
	}
	l.failFast.RaiseError("%s", err.Error())
	return 0
}

func (l *loader) setToolchain(ls *lua.LState) int {
	tbl := ls.CheckTable(1)
	var err error
	tbl.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			err = errors.Errorf("toolchain keys must be strings (got %s)", k.Type())
			return
		}
		val, ok := v.(lua.LString)
		if !ok {
			err = errors.Errorf("toolchain.%s must be a string (got %s)", key, v.Type())
			return
		}
		switch string(key) {
		case "cc65":
			l.tc.CC65 = string(val)
		case "ca65":
			l.tc.CA65 = string(val)
		case "ld65":
			l.tc.LD65 = string(val)
		case "sim65":
			l.tc.Sim65 = string(val)
		case "target":
			l.tc.Target = string(val)
		case "runtime_lib":
			l.tc.RuntimeLib = string(val)
		default:
			err = errors.Errorf("unknown toolchain key %q", key)
		}
	})
	if err != nil {
		return l.fail(err)
	}
	return 0
}

func (l *loader) setOutput(ls *lua.LState) int {
	dir := ls.CheckString(1)
	if dir == "" {
		return l.fail(errors.New("output() requires a directory"))
	}
	l.outDir = dir
	return 0
}

func (l *loader) generateBinary(ls *lua.LState) int {
	src := ls.CheckString(1)
	l.decls = append(l.decls, binaryDecl{source: src})
	return 0
}

func (l *loader) generateRawBinary(ls *lua.LState) int {
	src := ls.CheckString(1)
	cfg := ls.CheckString(2)
	l.decls = append(l.decls, binaryDecl{source: src, config: cfg, raw: true})
	return 0
}

// Load evaluates the build script at path and returns the resulting
// project. workDir must be absolute; relative paths in the script resolve
// against the script's own directory.
func Load(workDir, path string) (*pipeline.Project, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	l := &loader{tc: toolchain.Default(), outDir: "build"}

	ls := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer ls.Close()
	l.failFast = ls

	ls.SetGlobal("toolchain", ls.NewFunction(l.setToolchain))
	ls.SetGlobal("output", ls.NewFunction(l.setOutput))
	ls.SetGlobal("generate_binary", ls.NewFunction(l.generateBinary))
	ls.SetGlobal("generate_raw_binary", ls.NewFunction(l.generateRawBinary))

	if err := ls.DoFile(path); err != nil {
		if l.loadErr != nil {
			return nil, l.loadErr
		}
		return nil, errors.Wrapf(err, "evaluating %s", filepath.Base(path))
	}

	scriptDir := filepath.Dir(path)
	proj, err := pipeline.NewProject(scriptDir, l.outDir, l.tc)
	if err != nil {
		return nil, err
	}
	for _, d := range l.decls {
		if d.raw {
			_, err = proj.AddRawBinary(d.source, d.config)
		} else {
			_, err = proj.AddBinary(d.source)
		}
		if err != nil {
			return nil, err
		}
	}
	return proj, nil
}
