// Package main is the entry point for the callctl CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"callctl/pkg/protocol"
)

func main() {
	os.Exit(run())
}

// run executes the root command and maps its error onto an exit code.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return protocol.Classify(err).ExitCode()
	}
	return 0
}
