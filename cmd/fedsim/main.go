package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fedsim/cli"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
)

func main() {
	if err := run(); err != nil {
		os.Exit(pkgerrors.ExitCode(err))
	}
}

func run() error {
	// The first signal cancels the run; teardown still completes because it
	// ignores cancellation.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return cli.Execute(ctx, cli.NewFedsimCmd())
}
