// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/autotap/cmd"
)

// main is the entry point for the autotap CLI and daemon.
func main() {
	// SIGINT/SIGTERM cancel the command context; the daemon stops its runs and exits cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
