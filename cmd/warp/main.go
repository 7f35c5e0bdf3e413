// Command warp is the CLI entrypoint for the build engine: it hands
// os.Args to internal/cli.Run and translates the result to a process
// exit code.
package main

import (
	"context"
	"fmt"
	"os"

	"warp/internal/cli"
)

func main() {
	result, err := cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(result.ExitCode)
}
