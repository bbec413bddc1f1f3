// Package main implements tidemark-ctl, the operator CLI for one-shot index
// lifecycle operations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
