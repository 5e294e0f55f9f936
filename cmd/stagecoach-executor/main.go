package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/stagecoach/internal/cli"
)

func main() {
	opts, shouldExit, err := cli.ParseExecutor(os.Args[1:], os.Stderr)
	if shouldExit {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.RunExecutor(ctx, opts)
	stop()
	os.Exit(code)
}
