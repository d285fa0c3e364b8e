package main

import (
	"context"
	"fmt"
	"os"

	"binforge/internal/cli"
)

// main is a deterministic boundary: it canonicalizes all CLI inputs into an
// Invocation before any build logic is invoked.
func main() {
	res, err := cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(res.ExitCode)
}
