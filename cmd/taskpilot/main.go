package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/taskpilot/internal/cli"
)

var version = "dev"

func main() {
	// First signal cancels the running command; stop() restores default
	// handling so a second Ctrl+C force exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := cli.NewRootCmd(version).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
