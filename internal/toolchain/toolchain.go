// Package toolchain fixes the command shapes of the cc65 suite.
//
// Each stage of the pipeline is a single external tool with a fixed argument
// shape: cc65 compiles C to 6502 assembly text, ca65 assembles it into a
// relocatable object, ld65 links objects into a binary image, sim65 executes
// the binary under an emulated CPU.
package toolchain

import (
	"fmt"
	"strings"
)

// Toolchain names the external tools and link parameters of one build.
//
// Tool fields hold command names (resolved via PATH) or absolute paths.
type Toolchain struct {
	// CC65 is the C compiler.
	CC65 string `json:"cc65"`

	// CA65 is the assembler.
	CA65 string `json:"ca65"`

	// LD65 is the linker.
	LD65 string `json:"ld65"`

	// Sim65 is the simulator/runner.
	Sim65 string `json:"sim65"`

	// Target is the ld65 target profile for runtime-library links,
	// e.g. "sim6502" or "nes".
	Target string `json:"target"`

	// RuntimeLib is the runtime library linked into simulator
	// executables, resolved by ld65's library search.
	RuntimeLib string `json:"runtime_lib"`
}

// Default returns the conventional cc65 simulator toolchain.
func Default() Toolchain {
	return Toolchain{
		CC65:       "cc65",
		CA65:       "ca65",
		LD65:       "ld65",
		Sim65:      "sim65",
		Target:     "sim6502",
		RuntimeLib: "sim6502.lib",
	}
}

// Validate rejects toolchains with missing tool names.
func (t Toolchain) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"cc65", t.CC65},
		{"ca65", t.CA65},
		{"ld65", t.LD65},
		{"sim65", t.Sim65},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("toolchain: %s is required", f.name)
		}
	}
	if strings.TrimSpace(t.Target) == "" {
		return fmt.Errorf("toolchain: target is required")
	}
	if strings.TrimSpace(t.RuntimeLib) == "" {
		return fmt.Errorf("toolchain: runtime_lib is required")
	}
	return nil
}

// CompileArgs translates a C source file into assembly text:
//
//	cc65 -o <out>.s <in>
func (t Toolchain) CompileArgs(source, asmOut string) []string {
	return []string{t.CC65, "-o", asmOut, source}
}

// AssembleArgs translates assembly text into a relocatable object:
//
//	ca65 -o <out>.o <out>.s
func (t Toolchain) AssembleArgs(asmIn, objOut string) []string {
	return []string{t.CA65, "-o", objOut, asmIn}
}

// LinkArgs links an object against the fixed runtime library:
//
//	ld65 -t <target> -o <bin> <obj> <runtime-lib>
func (t Toolchain) LinkArgs(obj, binOut string) []string {
	return []string{t.LD65, "-t", t.Target, "-o", binOut, obj, t.RuntimeLib}
}

// RawLinkArgs links an object with an explicit memory-layout configuration,
// producing a flat binary suited for fixed hardware addresses:
//
//	ld65 -C <config> -o <bin> <obj>
func (t Toolchain) RawLinkArgs(config, obj, binOut string) []string {
	return []string{t.LD65, "-C", config, "-o", binOut, obj}
}

// RunArgs executes a produced binary under the simulator:
//
//	sim65 <bin>
func (t Toolchain) RunArgs(bin string) []string {
	return []string{t.Sim65, bin}
}
