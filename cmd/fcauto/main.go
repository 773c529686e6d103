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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.Execute(ctx, cli.NewFcautoCmd())
	cancel()
	if err != nil {
		os.Exit(pkgerrors.ExitCode(err))
	}
}
