//go:build !windows

// Command stdiorpc runs a JSON-RPC server as a child process and talks to it
// over stdin/stdout from the command line.
//
// Usage:
//
//	stdiorpc call --method initialize --params '{"capabilities":{}}' -- my-server --stdio
//	stdiorpc notify --method exit -- my-server
//	stdiorpc shell --framing header -- gopls serve
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
