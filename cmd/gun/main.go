package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoUpNumber/gun/engine"
)

func main() {
	// Ctrl-C aborts at the next I/O boundary; interrupted broadcasts are
	// resolved by the next sync.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.KindOf(err).ExitCode())
	}
}
