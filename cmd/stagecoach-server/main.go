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
	opts, shouldExit, err := cli.ParseServer(os.Args[1:], os.Stderr)
	if shouldExit {
		return
	}
	if err != nil {
		exit(err)
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	os.Exit(cli.RunServer(context.Background(), opts, signals, os.Stdout))
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, err)
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
