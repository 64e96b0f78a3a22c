// Command jobplane runs the control plane daemon and talks to it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is stamped with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
